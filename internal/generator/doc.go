// Package generator provides the chat completion client stage processors
// use to produce and evaluate content, plus the transient-error and
// backoff helpers callers use around individual generation calls.
package generator
