package transform

import "tinygo.org/x/go-llvm"

// RelocationRewriter implements 4.F's spill-and-promote strategy: every
// reachable use of an original live value past a statepoint is redirected
// to the relocated form via a temporary stack slot, which mem2reg then
// eliminates. This two-phase discipline (materialize everything, then
// rewrite everything) is mandated by section 9's "Merge vs rewrite
// ordering" note - rewriting incrementally as bases resolve would corrupt
// liveness queries on later sites.
type RelocationRewriter struct {
	promoter Promoter
	dt       DominatorTree
}

// NewRelocationRewriter builds a rewriter that hands its allocas to
// promoter for SSA promotion, using dt to place any phis mem2reg needs.
func NewRelocationRewriter(promoter Promoter, dt DominatorTree) *RelocationRewriter {
	return &RelocationRewriter{promoter: promoter, dt: dt}
}

// Rewrite implements the five steps of 4.F across every record produced for
// one function, all of which must already be in the Materialized state.
func (r *RelocationRewriter) Rewrite(fn llvm.Value, records []*SafepointRecord) error {
	for _, rec := range records {
		if rec.State != Materialized {
			return &InvariantError{Invariant: "site-state-order", Detail: "RelocationRewriter invoked on a site not yet Materialized"}
		}
	}

	liveValues := collectDistinctLiveValues(records)
	slots, err := allocateSlots(fn, liveValues)
	if err != nil {
		return err
	}

	storeOriginalDefs(fn, slots)

	for _, rec := range records {
		storeRelocatesAndNulls(rec, slots, liveValues)
	}

	if err := rewriteUsesViaLoads(fn, slots, records); err != nil {
		return err
	}

	allocas := make([]llvm.Value, 0, len(slots))
	for _, slot := range slots {
		allocas = append(allocas, slot)
	}
	countBefore := len(allocas)
	r.promoter.PromoteMemToReg(allocas, r.dt)
	countAfter := countRemainingAllocas(fn, allocas)
	if countAfter != 0 {
		return &InvariantError{Invariant: "alloca-count-preserved", Detail: "not every introduced relocation slot was eliminated by promotion"}
	}
	_ = countBefore

	for _, rec := range records {
		rec.State = Rewritten
	}
	return nil
}

// collectDistinctLiveValues returns, in stable order, the union of every
// live value across every record (step 1's "each distinct live value
// across the whole function").
func collectDistinctLiveValues(records []*SafepointRecord) []llvm.Value {
	seen := newValueSet()
	var out []llvm.Value
	for _, rec := range records {
		for _, v := range rec.Live {
			if !seen.has(v) {
				seen.add(v)
				out = append(out, v)
			}
		}
	}
	return out
}

// allocateSlots implements step 1: one stack slot per distinct live value,
// allocated at the start of fn's entry block.
func allocateSlots(fn llvm.Value, liveValues []llvm.Value) (map[llvm.Value]llvm.Value, error) {
	entry := fn.EntryBasicBlock()
	if entry.IsNil() {
		return nil, &InvariantError{Invariant: "function-has-entry", Detail: "RelocationRewriter called on a function with no entry block"}
	}

	builder := fn.GlobalParent().Context().NewBuilder()
	defer builder.Dispose()

	first := entry.FirstInstruction()
	if first.IsNil() {
		builder.SetInsertPointAtEnd(entry)
	} else {
		builder.SetInsertPointBefore(first)
	}

	slots := make(map[llvm.Value]llvm.Value, len(liveValues))
	for _, v := range liveValues {
		slots[v] = builder.CreateAlloca(v.Type(), v.Name()+".reloc.slot")
	}
	return slots, nil
}

// storeOriginalDefs implements step 2: insert, once per original def, a
// store of the def into its slot immediately after the def. Arguments and
// constants - which have no instruction to follow - store from the entry
// block, right after the slot's own allocation.
func storeOriginalDefs(fn llvm.Value, slots map[llvm.Value]llvm.Value) {
	entry := fn.EntryBasicBlock()
	builder := fn.GlobalParent().Context().NewBuilder()
	defer builder.Dispose()

	for v, slot := range slots {
		switch {
		case !v.IsAInstruction().IsNil():
			insertPoint := nextInstructionAfter(v)
			if insertPoint.IsNil() {
				builder.SetInsertPointAtEnd(v.InstructionParent())
			} else {
				builder.SetInsertPointBefore(insertPoint)
			}
			builder.CreateStore(v, slot)
		default:
			// Argument or constant: store right after its slot's
			// allocation, at the top of the entry block.
			builder.SetInsertPointBefore(nextInstructionAfter(slot))
			builder.CreateStore(v, slot)
		}
	}
	_ = entry
}

// nextInstructionAfter returns the instruction following v in its block's
// instruction list, or the nil Value if v is the block's last instruction.
func nextInstructionAfter(v llvm.Value) llvm.Value {
	return llvm.NextInstruction(v)
}

// storeRelocatesAndNulls implements step 3: for each live slot, store the
// relocated value this site produced for it just after the relocate; for a
// live value this site did not itself relocate (unused downstream of here)
// and which is not the site's own result, store a null pointer instead so
// stale data never survives past the point where the collector could have
// moved the object.
func storeRelocatesAndNulls(rec *SafepointRecord, slots map[llvm.Value]llvm.Value, liveValues []llvm.Value) {
	builder := rec.Token.Type().Context().NewBuilder()
	defer builder.Dispose()

	insertAfter := rec.Last
	for _, v := range liveValues {
		slot := slots[v]
		if relocated, ok := rec.Relocates[v]; ok {
			builder.SetInsertPointBefore(nextInstructionAfter(relocated))
			builder.CreateStore(relocated, slot)
			insertAfter = relocated
			continue
		}
		if v == rec.Call {
			continue
		}
		builder.SetInsertPointBefore(nextInstructionAfter(insertAfter))
		builder.CreateStore(llvm.ConstNull(v.Type()), slot)
	}
}

// rewriteUsesViaLoads implements step 4: every use of an original live
// value outside the statepoint machinery itself is replaced by a load from
// that value's slot immediately before the use, with phi incoming values
// loaded at the end of their contributing predecessor block instead.
func rewriteUsesViaLoads(fn llvm.Value, slots map[llvm.Value]llvm.Value, records []*SafepointRecord) error {
	statepointValues := newValueSet()
	for _, rec := range records {
		statepointValues.add(rec.Token)
		if !rec.RelocatedResult.IsNil() {
			statepointValues.add(rec.RelocatedResult)
		}
		for _, relocated := range rec.Relocates {
			statepointValues.add(relocated)
		}
	}

	slotSet := newValueSet()
	for _, slot := range slots {
		slotSet.add(slot)
	}

	for v, slot := range slots {
		for _, use := range collectUses(v) {
			if statepointValues.has(use.user) {
				continue
			}
			if !use.user.IsAStoreInst().IsNil() && slotSet.has(use.user.Operand(1)) {
				// The step-2 store of the original def into its slot.
				continue
			}
			builder := fn.GlobalParent().Context().NewBuilder()
			var load llvm.Value
			if !use.user.IsAPHINode().IsNil() {
				pred := use.user.IncomingBlock(use.operandIndex)
				builder.SetInsertPointBefore(pred.Terminator())
			} else {
				builder.SetInsertPointBefore(use.user)
			}
			load = builder.CreateLoad(v.Type(), slot, v.Name()+".reload")
			use.user.SetOperand(use.operandIndex, load)
			builder.Dispose()
		}
	}
	return nil
}

// valueUse names one operand position of one user instruction, the
// granularity RelocationRewriter needs to rewrite a phi's per-incoming-edge
// operand independently of its other incoming edges.
type valueUse struct {
	user         llvm.Value
	operandIndex int
}

// collectUses enumerates every (user, operandIndex) pair referencing v,
// walking v's use-list via go-llvm's FirstUse/NextUse iterator.
func collectUses(v llvm.Value) []valueUse {
	var uses []valueUse
	for use := v.FirstUse(); use.C != nil; use = use.NextUse() {
		user := use.User()
		n := user.OperandsCount()
		for i := 0; i < n; i++ {
			if user.Operand(i) == v {
				uses = append(uses, valueUse{user: user, operandIndex: i})
			}
		}
	}
	return uses
}

// countRemainingAllocas reports how many of the given allocas are still
// present anywhere in fn after promotion - used for the sanity check
// that the count of allocas introduced equals the count eliminated.
func countRemainingAllocas(fn llvm.Value, allocas []llvm.Value) int {
	candidates := newValueSet(allocas...)
	count := 0
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if candidates.has(inst) {
				count++
			}
		}
	}
	return count
}
