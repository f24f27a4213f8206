// Package stage defines the contract between the workflow manager and the
// pipeline stage processors, plus the shared payload document and the
// per-invocation generator retry helper.
package stage
