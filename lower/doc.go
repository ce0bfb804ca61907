// Package lower projects bytecode instructions onto the three lower
// abstraction levels: VM-level micro-steps, native instructions, and
// micro-ops tagged with execution resources and pipeline stages.
//
// The projection is static template instantiation computed once per
// function at module load time. No runtime value ever influences it; for
// control-flow instructions the lowered form reflects the general
// instruction shape, never the eventually-taken branch. Stepping pays only
// a table lookup.
package lower
