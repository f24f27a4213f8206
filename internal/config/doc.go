// Package config loads and validates the TOML configuration shared by the
// loom daemon and CLI, including the per-stage quality gate policies.
package config
