// Package deploy publishes fully-approved work item artifacts to the
// configured target and returns a deployment reference.
package deploy
