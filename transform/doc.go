// Package transform implements the garbage-collection safepoint insertion
// pass: it rewrites a function's LLVM IR so that every point where the
// collector may run has a statically known, fully enumerated set of live GC
// pointers, each paired with its post-collection relocated value.
//
// The pipeline has six components, run in this order:
//
//	A PollSiteSelector   - nominate poll locations (entry, backedges, calls)
//	B PollInliner        - inline gc.safepoint_poll at each poll location
//	C LivenessEngine     - compute live GC pointers at each parse point
//	D BasePointerResolver - resolve/synthesize a base pointer per live value
//	E StatepointMaterializer - emit the statepoint+relocate+result sequence
//	F RelocationRewriter - rewrite uses of original values to see relocations
//
// A and B run first and stabilize the CFG; C-F then run once against the
// final set of parse points. Dominator-tree and loop analysis, function
// inlining, mem2reg, and IR verification are treated as out-of-scope
// collaborators supplied through the interfaces in external.go; see
// internal/domtree for the reference implementation used by tests and by
// cmd/gc-safepoints.
package transform
