// Package notifications delivers best-effort operator and reviewer alerts
// over ntfy. A missing topic disables delivery without changing callers.
package notifications
