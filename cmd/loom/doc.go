// Package main hosts the Loom CLI entrypoint and command graph.
//
// The Cobra-based command tree covers daemon startup, source submission,
// queue maintenance, review session resolution, and configuration
// scaffolding. Commands operate directly on the shared SQLite stores; the
// daemon observes reviewer decisions and queue changes on its next poll, so
// the CLI never needs a live connection to it.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
