package domtree

import (
	"github.com/tinygo-org/tinygo-safepoint/transform"
	"tinygo.org/x/go-llvm"
)

// naturalLoop is the default Loop implementation: a header block plus the
// set of blocks that can reach a latch without passing back through the
// header, discovered from its backedges (pred -> header where header
// dominates pred; every such pred is a latch).
type naturalLoop struct {
	header  llvm.BasicBlock
	latches []llvm.BasicBlock
	blocks  map[llvm.BasicBlock]bool
}

func (l *naturalLoop) Header() llvm.BasicBlock          { return l.header }
func (l *naturalLoop) Latches() []llvm.BasicBlock       { return l.latches }
func (l *naturalLoop) Contains(bb llvm.BasicBlock) bool { return l.blocks[bb] }

// TripCount attempts to recognize the common "counted loop" shape: a header
// phi seeded from a constant and incremented by a constant on the latch,
// compared against a constant bound by an icmp that the header's
// conditional branch consumes. Anything else reports unknown, which is the
// conservative and always-safe answer (PollSiteSelector keeps the backedge
// poll whenever the count isn't known).
func (l *naturalLoop) TripCount() (uint64, bool) {
	induction, start, step, ok := findInductionVariable(l)
	if !ok {
		return 0, false
	}
	bound, ok := findLoopBound(l, induction)
	if !ok {
		return 0, false
	}
	if step == 0 {
		return 0, false
	}
	if (step > 0 && bound <= start) || (step < 0 && bound >= start) {
		// Loop body never executes under this bound relation; treat as
		// zero rather than guessing at wraparound semantics.
		return 0, true
	}
	diff := bound - start
	if step < 0 {
		diff = start - bound
		step = -step
	}
	count := uint64(diff) / uint64(step)
	if uint64(diff)%uint64(step) != 0 {
		count++
	}
	return count, true
}

// findInductionVariable looks for a single integer phi in the loop header
// with exactly two incoming values: a constant from outside the loop (the
// start value) and a value from inside the loop computed as "phi + constant
// step" by an add instruction feeding the latch.
func findInductionVariable(l *naturalLoop) (phi llvm.Value, start, step int64, ok bool) {
	header := l.header
	for cand := header.FirstInstruction(); !cand.IsNil(); cand = llvm.NextInstruction(cand) {
		if cand.IsAPHINode().IsNil() {
			continue
		}
		if cand.Type().TypeKind() != llvm.IntegerTypeKind {
			continue
		}
		n := cand.IncomingCount()
		if n != 2 {
			continue
		}
		var startVal llvm.Value
		var stepVal int64
		haveStart, haveStep := false, false
		for i := 0; i < n; i++ {
			block := cand.IncomingBlock(i)
			val := cand.IncomingValue(i)
			if l.blocks[block] {
				if s, ok := matchInductionStep(val, cand); ok {
					stepVal = s
					haveStep = true
				}
			} else {
				startVal = val
				haveStart = true
			}
		}
		if haveStart && haveStep && !startVal.IsAConstantInt().IsNil() {
			return cand, startVal.SExtValue(), stepVal, true
		}
	}
	return llvm.Value{}, 0, 0, false
}

// matchInductionStep reports whether val is an add of phi and a constant,
// returning that constant.
func matchInductionStep(val, phi llvm.Value) (int64, bool) {
	if val.IsNil() || val.InstructionOpcode() != llvm.Add {
		return 0, false
	}
	a, b := val.Operand(0), val.Operand(1)
	switch {
	case a == phi && !b.IsAConstantInt().IsNil():
		return b.SExtValue(), true
	case b == phi && !a.IsAConstantInt().IsNil():
		return a.SExtValue(), true
	default:
		return 0, false
	}
}

// findLoopBound looks for an icmp comparing induction against a constant,
// feeding the header's (or a block dominated only by the header within the
// loop's own conditional exit) terminating conditional branch.
func findLoopBound(l *naturalLoop, induction llvm.Value) (int64, bool) {
	for bb := range l.blocks {
		term := bb.Terminator()
		if term.IsNil() || term.InstructionOpcode() != llvm.Br || term.OperandsCount() != 3 {
			continue
		}
		cond := term.Operand(0)
		if cond.IsNil() || cond.InstructionOpcode() != llvm.ICmp {
			continue
		}
		a, b := cond.Operand(0), cond.Operand(1)
		if a == induction && !b.IsAConstantInt().IsNil() {
			return b.SExtValue(), true
		}
		if b == induction && !a.IsAConstantInt().IsNil() {
			return a.SExtValue(), true
		}
	}
	return 0, false
}

// Info is the default LoopInfo implementation, built on top of a Tree.
type Info struct {
	tree *Tree
}

// NewInfo builds loop info for fn using tree for dominance queries.
func NewInfo(tree *Tree) *Info { return &Info{tree: tree} }

// Loops discovers every natural loop in fn: for each edge pred -> succ
// where succ dominates pred (a backedge), the loop is the set of blocks
// that reach pred without passing through succ, plus succ itself. Two
// backedges sharing the same header are folded into one Loop with multiple
// latches.
func (info *Info) Loops(fn llvm.Value) []transform.Loop {
	headers := make(map[llvm.BasicBlock]*naturalLoop)
	var order []llvm.BasicBlock

	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		term := bb.Terminator()
		if term.IsNil() {
			continue
		}
		for i := 0; i < term.SuccessorsCount(); i++ {
			succ := term.Successor(i)
			if !info.tree.Dominates(succ, bb) {
				continue
			}
			loop, ok := headers[succ]
			if !ok {
				order = append(order, succ)
				loop = &naturalLoop{header: succ, blocks: map[llvm.BasicBlock]bool{succ: true}}
				headers[succ] = loop
			}
			loop.latches = append(loop.latches, bb)
			collectLoopBody(loop, bb)
		}
	}

	out := make([]transform.Loop, 0, len(order))
	for _, header := range order {
		out = append(out, headers[header])
	}
	return out
}

// collectLoopBody walks backward from latch over predecessor edges,
// adding every block reached to loop.blocks, until it reaches the header
// (already a member) without crossing it again.
func collectLoopBody(loop *naturalLoop, latch llvm.BasicBlock) {
	if loop.blocks[latch] {
		return
	}
	stack := []llvm.BasicBlock{latch}
	for len(stack) > 0 {
		bb := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if loop.blocks[bb] {
			continue
		}
		loop.blocks[bb] = true
		for _, p := range predecessors(loop.header, bb) {
			if !loop.blocks[p] {
				stack = append(stack, p)
			}
		}
	}
}
