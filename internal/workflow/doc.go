// Package workflow advances queue items through the content pipeline.
//
// The Manager polls the queue for items sitting at a stage start status,
// runs the registered stage handler, and routes the resulting assessment
// through the quality gate: auto-advance moves the item to the next stage,
// request-review parks it in a review session, reject terminates it. A
// second poller watches parked items and resumes them when their review
// session resolves, including resolutions written by another process.
//
// Items are processed concurrently up to a configured limit, but never two
// stages for the same item at once: the manager tracks in-flight item IDs
// and skips anything already claimed. Verified items take one extra trip
// through the deployment executor before reaching the terminal deployed
// status.
package workflow
