// Package queue persists the work items flowing through the content
// pipeline. Each item carries an append-only history of stage outcomes so
// replayed triggers can be detected and every transition stays auditable.
package queue
