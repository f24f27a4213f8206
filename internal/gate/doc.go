// Package gate decides whether a stage result auto-advances, needs a
// human review, or is rejected outright.
package gate
