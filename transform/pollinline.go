package transform

import "tinygo.org/x/go-llvm"

// InlinePoll implements 4.B: it clones the body of gc.safepoint_poll
// immediately before loc, then scans the newly introduced code for the
// non-leaf calls that become new parse points.
//
// loc must be an instruction in the function being transformed; the poll
// body is spliced in immediately before it. Returns the parse points found
// inside the inlined body (already filtered by NeedsStatepoint). dt is
// recalculated in place after inlining, since inlining changes the CFG.
func InlinePoll(mod llvm.Module, dt DominatorTree, inliner Inliner, loc llvm.Value) ([]llvm.Value, error) {
	pollFn := mod.NamedFunction(PollFunctionName)
	if pollFn.IsNil() || pollFn.BasicBlocksCount() == 0 {
		return nil, &ConfigError{Reason: PollFunctionName + " is missing or has no definition"}
	}
	if hasUnreachableTerminator(pollFn) {
		return nil, &ConfigError{Reason: PollFunctionName + " ends in an unreachable block"}
	}
	if err := checkSupportedCFG(pollFn); err != nil {
		return nil, err
	}

	fn := loc.InstructionParent().Parent()

	builder := mod.Context().NewBuilder()
	defer builder.Dispose()
	builder.SetInsertPointBefore(loc)
	voidFnType := llvm.FunctionType(mod.Context().VoidType(), nil, false)
	pollCall := builder.CreateCall(voidFnType, pollFn, nil, "")

	newBlocks, err := inliner.InlineCall(pollCall)
	if err != nil {
		return nil, err
	}

	// The dominator tree and any cached loop info are invalid the moment
	// inlining introduces new basic blocks; recompute before scanning.
	dt.Recalculate(fn)

	calls := scanForCalls(newBlocks, loc)
	if len(calls) == 0 {
		return nil, &ConfigError{Reason: PollFunctionName + " has no call that could act as the runtime transition point"}
	}

	var parsePoints []llvm.Value
	for _, call := range calls {
		if NeedsStatepoint(call) {
			parsePoints = append(parsePoints, call)
		}
	}
	return parsePoints, nil
}

// scanForCalls walks every block introduced by inlining, in the order the
// inliner reported them, and collects every call instruction found; within
// a block the scan stops at the original poll location if it is there.
// This mirrors scanInlinedCode in original_source/SafepointPlacementPass.cpp.
func scanForCalls(newBlocks []llvm.BasicBlock, after llvm.Value) []llvm.Value {
	seen := make(map[llvm.BasicBlock]bool, len(newBlocks))
	for _, bb := range newBlocks {
		seen[bb] = true
	}

	var calls []llvm.Value
	for _, bb := range newBlocks {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if inst == after {
				break
			}
			if isCallLike(inst) {
				calls = append(calls, inst)
			}
		}
	}
	return calls
}

// hasUnreachableTerminator reports whether any block in fn ends in an
// `unreachable` instruction - a malformed-poll-function signal the original
// pass treats specially since reducers like bugpoint produce it often.
func hasUnreachableTerminator(fn llvm.Value) bool {
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		term := bb.Terminator()
		if !term.IsNil() && term.InstructionOpcode() == llvm.Unreachable {
			return true
		}
	}
	return false
}
