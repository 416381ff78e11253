package transform

import "tinygo.org/x/go-llvm"

// DominatorTree is the out-of-scope collaborator for dominance queries.
// Per spec.md section 1, dominator-tree construction is a pre-existing
// service; this pass only ever asks it two things: does block A dominate
// block B, and what is the immediate dominator of a block. The pass
// invalidates and recomputes the tree itself between phases that mutate the
// CFG (section 5), via Recalculate.
type DominatorTree interface {
	// Dominates reports whether a dominates b (a block always dominates
	// itself).
	Dominates(a, b llvm.BasicBlock) bool
	// ImmediateDominator returns the immediate dominator of b, or ok=false
	// if b is the entry block (has none).
	ImmediateDominator(b llvm.BasicBlock) (idom llvm.BasicBlock, ok bool)
	// Recalculate rebuilds the tree for fn. Must be called after any
	// transform that adds or removes basic blocks or edges.
	Recalculate(fn llvm.Value)
}

// Loop describes one natural loop, as reported by LoopInfo.
type Loop interface {
	// Header is the loop's single entry block.
	Header() llvm.BasicBlock
	// Latches are the predecessors of Header that lie inside the loop -
	// i.e. the blocks whose terminators are the loop's backedges.
	Latches() []llvm.BasicBlock
	// Contains reports whether bb is inside the loop.
	Contains(bb llvm.BasicBlock) bool
	// TripCount returns a compile-time upper bound on the number of
	// iterations, and whether one could be proven. A known, positive trip
	// count lets PollSiteSelector skip the backedge poll (section 4.A).
	TripCount() (count uint64, known bool)
}

// LoopInfo is the out-of-scope collaborator for loop detection. Per
// spec.md section 1, trip-count reasoning lives here, not in this pass.
type LoopInfo interface {
	// Loops returns every natural loop in fn, in no particular nesting
	// order beyond what callers need (PollSiteSelector only visits each
	// loop's header and latches).
	Loops(fn llvm.Value) []Loop
}

// Inliner is the out-of-scope collaborator used by PollInliner to splice
// the poll function's body into the CFG at a poll location.
type Inliner interface {
	// InlineCall replaces call (a direct call instruction) with the body
	// of its callee, and returns the set of basic blocks newly introduced
	// by the inlining (for PollInliner to scan for parse points). The
	// call instruction itself is destroyed.
	InlineCall(call llvm.Value) (newBlocks []llvm.BasicBlock, err error)
}

// Promoter is the out-of-scope collaborator performing the mem2reg half of
// RelocationRewriter's spill-and-promote strategy (section 4.F step 5).
type Promoter interface {
	// PromoteMemToReg eliminates allocas, replacing all loads/stores with
	// SSA values, using dt for placing any phi nodes it needs.
	PromoteMemToReg(allocas []llvm.Value, dt DominatorTree)
}

// Verifier is the out-of-scope collaborator that checks IR well-formedness
// and, after the pass runs, the safepoint-specific invariants of section 3.
type Verifier interface {
	// VerifyFunction checks ordinary IR well-formedness.
	VerifyFunction(fn llvm.Value) error
	// VerifySafepoints checks the safepoint invariants: every statepoint
	// has the right relocate shape, no instruction splits a
	// token-to-last-relocate range, and so on.
	VerifySafepoints(fn llvm.Value) error
}
