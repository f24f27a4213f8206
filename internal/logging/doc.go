// Package logging provides slog-based structured logging for the loom
// daemon and CLI. It standardizes attribute keys across components,
// derives per-item and per-stage fields from context, and offers console
// and JSON output formats selected through configuration.
package logging
