package transform

import (
	"strings"

	"tinygo.org/x/go-llvm"
)

// PollLocations is the output of PollSiteSelector: every point in the
// function where a poll must be materialized, classified by kind.
type PollLocations struct {
	// Entry is the terminator before which the method-entry poll should be
	// inserted, or the nil Value if entry polls are not wanted.
	Entry llvm.Value

	// Backedges is, for each loop needing one, the terminator of the
	// latch block (the backedge) before which a poll should be inserted.
	Backedges []llvm.Value

	// Calls is every non-leaf call site that needs to become a parse
	// point directly (not via an inlined poll).
	Calls []llvm.Value
}

// SelectPollSites implements 4.A: it nominates poll locations at function
// entry, on loop backedges of not-provably-finite loops, and at every
// non-leaf call, without mutating the IR.
//
// Preconditions: fn contains no invoke or indirectbr (PreconditionError
// otherwise). Unreachable blocks are not removed, neither here nor by Run;
// they are scanned like any other block.
func SelectPollSites(fn llvm.Value, dt DominatorTree, li LoopInfo, cfg Config) (PollLocations, error) {
	var out PollLocations

	if isPollFunction(fn) {
		// The poll implementation itself is always exempt - see the
		// module-pass comment this is grounded on in
		// original_source/SafepointPlacementPass.cpp.
		return out, nil
	}

	if err := checkSupportedCFG(fn); err != nil {
		return out, err
	}

	if cfg.backedgeSafepointsWanted(fn) {
		out.Backedges = selectBackedgePolls(fn, li, cfg)
	}

	if cfg.entrySafepointsWanted(fn) {
		out.Entry = selectEntryPoll(fn)
	}

	if cfg.callSafepointsWanted(fn) {
		out.Calls = selectCallPolls(fn)
	}

	return out, nil
}

// checkSupportedCFG rejects the CFG shapes this pass cannot handle:
// invokes (exception-edged calls) and indirect branches.
func checkSupportedCFG(fn llvm.Value) error {
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			switch inst.InstructionOpcode() {
			case llvm.Invoke:
				return &PreconditionError{Function: fn.Name(), Reason: "invoke instructions (exception-edged calls) are not supported as safepoints"}
			case llvm.IndirectBr:
				return &PreconditionError{Function: fn.Name(), Reason: "computed indirect branches are not supported"}
			}
		}
	}
	return nil
}

// selectEntryPoll walks from the entry block through the chain of
// unique-successor/unique-predecessor blocks, stopping at the first split
// or merge, and returns that block's terminator. This pushes the poll as
// late as possible without crossing a join, minimizing the live set while
// still dominating every return (bounding time-to-safepoint under
// recursion).
func selectEntryPoll(fn llvm.Value) llvm.Value {
	current := fn.EntryBasicBlock()
	for {
		next, ok := uniqueSuccessor(current)
		if !ok {
			// split node: more than one (or zero) successors.
			break
		}
		if _, ok := uniquePredecessor(next); !ok {
			// next is a join node: stop before entering it.
			break
		}
		current = next
	}
	return current.Terminator()
}

// selectBackedgePolls examines every predecessor of every loop header that
// lies inside the loop (a backedge), skipping loops a trip-count analysis
// proves finite unless Config.AllBackedges overrides that pruning.
func selectBackedgePolls(fn llvm.Value, li LoopInfo, cfg Config) []llvm.Value {
	var out []llvm.Value
	for _, loop := range li.Loops(fn) {
		if !cfg.AllBackedges {
			if count, known := loop.TripCount(); known && count > 0 {
				// Finite loops cannot starve the collector.
				continue
			}
		}
		for _, latch := range loop.Latches() {
			out = append(out, latch.Terminator())
		}
	}
	return out
}

// selectCallPolls enumerates every call instruction in fn that needs a
// statepoint directly (as opposed to via an inlined poll), applying
// NeedsStatepoint's skip rules.
func selectCallPolls(fn llvm.Value) []llvm.Value {
	var out []llvm.Value
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if !isCallLike(inst) {
				continue
			}
			if NeedsStatepoint(inst) {
				out = append(out, inst)
			}
		}
	}
	return out
}

// NeedsStatepoint reports whether a call instruction must become a parse
// point: it is not a call to a declared GC-leaf function, not inline
// assembly, not already part of a previously-inserted statepoint sequence,
// and not an intrinsic incapable of transitioning to the runtime (with an
// explicit allowlist for the mem* intrinsics, whose implementations do call
// into the runtime and so do need safepoints of their own).
func NeedsStatepoint(call llvm.Value) bool {
	if isGCLeafCall(call) {
		return false
	}
	if call.IsInlineAsm() {
		return false
	}
	if alreadyTransformed(call) {
		return false
	}
	if isIntrinsicCall(call) {
		// The mem* intrinsics get lowered to real runtime calls that
		// can themselves take a safepoint. Their names carry a
		// type-mangled suffix (llvm.memcpy.p0.p0.i64), so match the
		// base name with or without it.
		name := calleeName(call)
		for _, base := range []string{"llvm.memset", "llvm.memmove", "llvm.memcpy"} {
			if name == base || strings.HasPrefix(name, base+".") {
				return true
			}
		}
		return false
	}
	return true
}

// isGCLeafCall reports whether the callee of call is explicitly marked
// gc-leaf-function: a callee known never to trigger a safepoint, so no
// statepoint is needed at calls to it.
func isGCLeafCall(call llvm.Value) bool {
	callee := call.CalledValue()
	if callee.IsNil() || callee.IsAFunction().IsNil() {
		// Indirect call: no function attributes to consult.
		return false
	}
	return functionHasAttr(callee, AttrLeafFunction)
}

// uniqueSuccessor returns the sole successor of bb's terminator, or
// ok=false if it has zero or more than one.
func uniqueSuccessor(bb llvm.BasicBlock) (llvm.BasicBlock, bool) {
	term := bb.Terminator()
	if term.IsNil() {
		return llvm.BasicBlock{}, false
	}
	if term.SuccessorsCount() != 1 {
		return llvm.BasicBlock{}, false
	}
	return term.Successor(0), true
}

// uniquePredecessor returns the sole predecessor block of bb, or ok=false
// if it has zero or more than one.
func uniquePredecessor(bb llvm.BasicBlock) (llvm.BasicBlock, bool) {
	var pred llvm.BasicBlock
	count := 0
	for _, p := range predecessorsOf(bb) {
		pred = p
		count++
		if count > 1 {
			return llvm.BasicBlock{}, false
		}
	}
	if count != 1 {
		return llvm.BasicBlock{}, false
	}
	return pred, true
}

// predecessorsOf returns every basic block in bb's function with a
// terminator that branches to bb. go-llvm does not expose a direct
// predecessor iterator on BasicBlock (LLVM-C has none either), so this
// walks the function's block list, mirroring the approach
// _examples/fkuehnel-golang-cfg/go-code/dom.go takes for its own
// predecessor computation over *ssa.Block.
func predecessorsOf(bb llvm.BasicBlock) []llvm.BasicBlock {
	fn := bb.Parent()
	var preds []llvm.BasicBlock
	for cur := fn.FirstBasicBlock(); !cur.IsNil(); cur = llvm.NextBasicBlock(cur) {
		term := cur.Terminator()
		if term.IsNil() {
			continue
		}
		for i := 0; i < term.SuccessorsCount(); i++ {
			if term.Successor(i) == bb {
				preds = append(preds, cur)
				break
			}
		}
	}
	return preds
}
