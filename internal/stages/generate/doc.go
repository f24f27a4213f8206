// Package generate produces per-component deployment artifact bundles.
//
// Components specified upstream are independent sub-units: the Builder
// generates an infrastructure, code, and pipeline bundle for each one, and a
// failed component lowers the assessment score instead of aborting the
// stage. The gate's sub-unit cap keeps large component sets from
// auto-advancing without review.
package generate
