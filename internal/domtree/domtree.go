// Package domtree provides the default DominatorTree and LoopInfo
// implementations transform/external.go declares as out-of-scope
// collaborators: an iterative Cooper-Harvey-Kennedy dominance computation
// over postorder numbers, and natural-loop discovery built on top of it.
//
// The dominance algorithm (postorder numbering + iterative intersect) is
// adapted from the Go compiler's own SSA dominator-tree computation; see
// _examples/fkuehnel-golang-cfg/go-code/dom.go for the *ssa.Block original
// this is ported from, here generalized to tinygo.org/x/go-llvm's
// llvm.BasicBlock.
package domtree

import "tinygo.org/x/go-llvm"

// Tree is the default DominatorTree implementation: a postorder-numbered,
// iteratively-intersected immediate-dominator table, recomputed in full on
// every Recalculate call (this pass never mutates the CFG often enough
// within one function to make incremental updates worth the complexity).
type Tree struct {
	fn       llvm.Value
	idom     map[llvm.BasicBlock]llvm.BasicBlock
	postnum  map[llvm.BasicBlock]int
	entry    llvm.BasicBlock
}

// New builds a Tree for fn, computing dominance immediately.
func New(fn llvm.Value) *Tree {
	t := &Tree{}
	t.Recalculate(fn)
	return t
}

// Recalculate rebuilds the tree from scratch, as required after any
// transform that adds or removes basic blocks or edges.
func (t *Tree) Recalculate(fn llvm.Value) {
	t.fn = fn
	t.entry = fn.EntryBasicBlock()
	order := postorder(t.entry)

	t.postnum = make(map[llvm.BasicBlock]int, len(order))
	for i, bb := range order {
		t.postnum[bb] = i
	}

	t.idom = make(map[llvm.BasicBlock]llvm.BasicBlock, len(order))
	t.idom[t.entry] = t.entry

	// Iterate in reverse postorder (skip the entry, which has no
	// dominator to discover) until the idom table stops changing.
	for changed := true; changed; {
		changed = false
		for i := len(order) - 2; i >= 0; i-- {
			bb := order[i]
			preds := predecessors(t.entry, bb)
			var newIdom llvm.BasicBlock
			haveFirst := false
			for _, p := range preds {
				if _, ok := t.idom[p]; !ok {
					continue
				}
				if !haveFirst {
					newIdom = p
					haveFirst = true
					continue
				}
				newIdom = t.intersect(newIdom, p)
			}
			if haveFirst && (t.idom[bb] != newIdom) {
				t.idom[bb] = newIdom
				changed = true
			}
		}
	}
}

// intersect finds the closest common dominator of b and c using the two
// blocks' postorder numbers, per the classic Cooper-Harvey-Kennedy walk.
func (t *Tree) intersect(b, c llvm.BasicBlock) llvm.BasicBlock {
	for b != c {
		for t.postnum[b] < t.postnum[c] {
			b = t.idom[b]
		}
		for t.postnum[c] < t.postnum[b] {
			c = t.idom[c]
		}
	}
	return b
}

// Dominates reports whether a dominates b, walking b's idom chain up to the
// entry block (whose idom is itself, the walk's natural stopping point).
func (t *Tree) Dominates(a, b llvm.BasicBlock) bool {
	if a == b {
		return true
	}
	for cur := b; cur != t.entry; {
		idom, ok := t.idom[cur]
		if !ok {
			return false
		}
		if idom == a {
			return true
		}
		cur = idom
	}
	return false
}

// ImmediateDominator returns b's immediate dominator, or ok=false if b is
// the entry block.
func (t *Tree) ImmediateDominator(b llvm.BasicBlock) (llvm.BasicBlock, bool) {
	if b == t.entry {
		return llvm.BasicBlock{}, false
	}
	idom, ok := t.idom[b]
	return idom, ok
}

// postorder computes a DFS postorder traversal of the CFG reachable from
// entry, mirroring postorderWithNumbering's iterative stack-based walk
// (kept iterative rather than recursive for the same reason the original
// is: arbitrarily deep CFGs from generated code should not blow the Go
// stack).
func postorder(entry llvm.BasicBlock) []llvm.BasicBlock {
	type frame struct {
		bb   llvm.BasicBlock
		next int
	}
	seen := map[llvm.BasicBlock]bool{entry: true}
	var order []llvm.BasicBlock
	stack := []frame{{bb: entry}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := successors(top.bb)
		if top.next < len(succs) {
			next := succs[top.next]
			top.next++
			if !seen[next] {
				seen[next] = true
				stack = append(stack, frame{bb: next})
			}
			continue
		}
		order = append(order, top.bb)
		stack = stack[:len(stack)-1]
	}
	return order
}

func successors(bb llvm.BasicBlock) []llvm.BasicBlock {
	term := bb.Terminator()
	if term.IsNil() {
		return nil
	}
	n := term.SuccessorsCount()
	out := make([]llvm.BasicBlock, n)
	for i := 0; i < n; i++ {
		out[i] = term.Successor(i)
	}
	return out
}

// predecessors returns every block of entry's function whose terminator
// branches to bb, whether or not that block is reachable from entry.
func predecessors(entry, bb llvm.BasicBlock) []llvm.BasicBlock {
	fn := entry.Parent()
	var preds []llvm.BasicBlock
	for cur := fn.FirstBasicBlock(); !cur.IsNil(); cur = llvm.NextBasicBlock(cur) {
		for _, s := range successors(cur) {
			if s == bb {
				preds = append(preds, cur)
				break
			}
		}
	}
	return preds
}
