// Package validate runs the first pipeline stage over uploaded source
// material.
//
// The Validator asks the generator to judge whether the source is suitable
// input, records a scored verdict with any issues found, and produces the
// description every later stage builds on. Reviewer guidance folded back
// into the payload after a conditional approval is included in the prompt on
// re-runs.
package validate
