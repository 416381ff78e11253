package transform

import "tinygo.org/x/go-llvm"

// valueSet is a small set-of-values helper used throughout the liveness and
// base-pointer machinery; llvm.Value wraps a pointer so is comparable and
// usable as a map key directly.
type valueSet map[llvm.Value]struct{}

func newValueSet(vs ...llvm.Value) valueSet {
	s := make(valueSet, len(vs))
	for _, v := range vs {
		s[v] = struct{}{}
	}
	return s
}

func (s valueSet) add(v llvm.Value)      { s[v] = struct{}{} }
func (s valueSet) remove(v llvm.Value)   { delete(s, v) }
func (s valueSet) has(v llvm.Value) bool { _, ok := s[v]; return ok }
func (s valueSet) clone() valueSet {
	out := make(valueSet, len(s))
	for v := range s {
		out[v] = struct{}{}
	}
	return out
}
func (s valueSet) union(other valueSet) {
	for v := range other {
		s[v] = struct{}{}
	}
}
func (s valueSet) slice() []llvm.Value {
	out := make([]llvm.Value, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

// LivenessMap holds, per basic block, the set of GC values live-in and
// live-out of that block. It is built once per whole-function liveness
// phase and discarded after use (section 3's record table).
type LivenessMap struct {
	LiveIn  map[llvm.BasicBlock]valueSet
	LiveOut map[llvm.BasicBlock]valueSet
}

// ComputeLiveness implements 4.C's global mode: classic iterative backward
// dataflow over the whole function, seeded with every block on the
// worklist and run to a fixed point.
//
//	LiveOut[B] = union of LiveIn[S] for successors S of B
//	LiveIn[B]  = walk B backwards, killing each instruction's own result and
//	             generating its GC-pointer operands (excluding null/undef)
func ComputeLiveness(fn llvm.Value) *LivenessMap {
	lm := &LivenessMap{
		LiveIn:  make(map[llvm.BasicBlock]valueSet),
		LiveOut: make(map[llvm.BasicBlock]valueSet),
	}

	var blocks []llvm.BasicBlock
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		blocks = append(blocks, bb)
		lm.LiveIn[bb] = newValueSet()
		lm.LiveOut[bb] = newValueSet()
	}

	worklist := make([]llvm.BasicBlock, len(blocks))
	copy(worklist, blocks)
	onWorklist := make(map[llvm.BasicBlock]bool, len(blocks))
	for _, bb := range blocks {
		onWorklist[bb] = true
	}

	for len(worklist) > 0 {
		bb := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		onWorklist[bb] = false

		liveOut := newValueSet()
		term := bb.Terminator()
		if !term.IsNil() {
			for i := 0; i < term.SuccessorsCount(); i++ {
				liveOut.union(lm.LiveIn[term.Successor(i)])
			}
		}
		lm.LiveOut[bb] = liveOut

		liveIn := liveOut.clone()
		applyBackwardTransfer(bb, liveIn)

		if !sameValueSet(liveIn, lm.LiveIn[bb]) {
			lm.LiveIn[bb] = liveIn
			for _, pred := range predecessorsOf(bb) {
				if !onWorklist[pred] {
					worklist = append(worklist, pred)
					onWorklist[pred] = true
				}
			}
		}
	}

	return lm
}

// applyBackwardTransfer walks every instruction of bb from last to first,
// applying the kill/gen rule in place to live: kill the instruction's own
// result, then add its GC-pointer operands.
func applyBackwardTransfer(bb llvm.BasicBlock, live valueSet) {
	var insts []llvm.Value
	for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
		insts = append(insts, inst)
	}
	for i := len(insts) - 1; i >= 0; i-- {
		applyInstructionTransfer(insts[i], live)
	}
}

// applyInstructionTransfer applies one instruction's kill/gen step to live.
func applyInstructionTransfer(inst llvm.Value, live valueSet) {
	live.remove(inst)
	for _, op := range gcOperands(inst) {
		live.add(op)
	}
}

// LiveAtInstruction implements 4.C's local mode: for a single site, walk
// backward from inst (exclusive of inst's own definition) applying the same
// kill/gen rule, starting from the block's cached LiveOut if lm is non-nil,
// or from scratch by recursing into successors otherwise.
//
// inst's own result is never considered live at its own entry, matching the
// spec's "The instruction's own result is not live at its own entry" rule.
func LiveAtInstruction(inst llvm.Value, lm *LivenessMap) valueSet {
	bb := inst.InstructionParent()

	var live valueSet
	if lm != nil {
		live = lm.LiveOut[bb].clone()
	} else {
		live = liveOutFromScratch(bb, make(map[llvm.BasicBlock]struct{}))
	}

	// Walk backward from the block's end down to (but not applying the
	// kill/gen step of) inst itself, then exclude inst's own result.
	var insts []llvm.Value
	for i := bb.FirstInstruction(); !i.IsNil(); i = llvm.NextInstruction(i) {
		insts = append(insts, i)
	}
	for i := len(insts) - 1; i >= 0; i-- {
		if insts[i] == inst {
			break
		}
		applyInstructionTransfer(insts[i], live)
	}
	live.remove(inst)
	return live
}

// liveOutFromScratch computes a block's live-out set by recursing into
// successors without relying on a precomputed LivenessMap, bounded by
// visited to avoid infinite recursion around loops. Used only when the
// caller has not run the global dataflow pass (on-demand reachability mode,
// section 4.C).
func liveOutFromScratch(bb llvm.BasicBlock, visiting map[llvm.BasicBlock]struct{}) valueSet {
	out := newValueSet()
	term := bb.Terminator()
	if term.IsNil() {
		return out
	}
	for i := 0; i < term.SuccessorsCount(); i++ {
		succ := term.Successor(i)
		if _, ok := visiting[succ]; ok {
			// Already on the path to here: this block's
			// contribution is whatever's already been collected
			// for succ's live-in, which by definition can't add
			// anything new from this branch alone. Skip to break
			// the cycle; the fixed point is reached via the
			// caller's own backward walk starting further down
			// the same loop body on a later query.
			continue
		}
		visiting[succ] = struct{}{}
		succLiveIn := liveOutFromScratch(succ, visiting)
		applyBackwardTransfer(succ, succLiveIn)
		out.union(succLiveIn)
		delete(visiting, succ)
	}
	return out
}

func sameValueSet(a, b valueSet) bool {
	if len(a) != len(b) {
		return false
	}
	for v := range a {
		if !b.has(v) {
			return false
		}
	}
	return true
}
