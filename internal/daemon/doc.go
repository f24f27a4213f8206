// Package daemon coordinates the long-running Loom process.
//
// It wires configuration, the queue and artifact stores, the review
// session manager, and the workflow manager into a single lifecycle with
// flock-based locking to prevent multiple instances. Startup recovers
// state from a previous run: stuck processing items are reset and review
// timers re-armed. The daemon also exposes queue maintenance helpers and
// source submission.
//
// Keep orchestration logic in the workflow package; the daemon focuses on
// startup, shutdown, and high level coordination.
package daemon
