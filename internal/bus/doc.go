// Package bus carries pipeline lifecycle events between subsystems.
//
// The daemon and workflow manager publish submission, stage completion,
// review, and deployment events; subscribers receive them on buffered
// channels. Publishing never blocks: a subscriber that falls behind loses
// events rather than stalling stage processing.
package bus
