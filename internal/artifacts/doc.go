// Package artifacts stores stage outputs as keyed blobs so downstream
// stages and replays can retrieve prior work without regenerating it.
package artifacts
