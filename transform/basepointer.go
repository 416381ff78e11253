package transform

import (
	"fmt"

	"tinygo.org/x/go-llvm"
)

// DefiningValueMap is the value->value cache findBasePointer and its
// helpers share across every call site processed in a single run. Early on
// it carries the base-defining-value (BDV) relation; as each value is fully
// resolved its entry is upgraded to the base relation, and per invariant 2
// of section 3 a base always maps to itself. The cache is function-scoped
// (passed explicitly, never stored as a package or method-level global).
type DefiningValueMap map[llvm.Value]llvm.Value

// NewDefiningValueMap returns an empty cache for use across all the parse
// points of a single function.
func NewDefiningValueMap() DefiningValueMap { return make(DefiningValueMap) }

// BasePairs maps each live derived pointer to its resolved base pointer for
// one parse point (section 3's SafepointRecord.base_pairs field). A base
// pointer always appears self-mapped: BasePairs[base] == base.
type BasePairs map[llvm.Value]llvm.Value

// ResolveBasePointers implements 4.D for one parse point: for every value
// in live, finds or synthesizes a base pointer, inserting merge
// instructions (and bitcasts where types differ) as needed to keep the base
// dominating the derived pointer's definition site. Newly inserted values
// are appended to newlyInserted (shared across all sites in a run, per
// section 4.D step 6 / "Integrating inserted defs").
func ResolveBasePointers(live []llvm.Value, cache DefiningValueMap, newlyInserted valueSet, cfg Config) (BasePairs, error) {
	pairs := make(BasePairs, len(live))
	for _, v := range live {
		base, err := findBasePointer(v, cache, newlyInserted, cfg)
		if err != nil {
			return nil, err
		}
		if !IsGCPointerValue(base) {
			return nil, &InvariantError{Invariant: "base-is-gc-pointer", Detail: fmt.Sprintf("resolved base for %q is not a GC pointer", v.Name())}
		}
		pairs[v] = base
		if _, ok := pairs[base]; !ok {
			pairs[base] = base
		}
	}
	return pairs, nil
}

// findBaseDefiningValue classifies a GC-pointer value by source, returning
// either the value itself (it is its own base), the BDV of the source
// pointer for a pointer cast or GEP, or, for phi/select, the merge
// instruction itself - a signal to the caller that further lattice work is
// needed. This is a direct port of the BDV classification table in
// SafepointPlacementPass.cpp's findBaseDefiningValue, written as a switch
// over instruction kind rather than a chain of dyn_cast checks.
func findBaseDefiningValue(v llvm.Value, cfg Config) (llvm.Value, error) {
	if !v.IsAArgument().IsNil() {
		return v, nil
	}
	if !v.IsAGlobalVariable().IsNil() {
		if !cfg.AllFunctions {
			return llvm.Value{}, &PreconditionError{Reason: "GC pointer sourced from a global variable"}
		}
		return v, nil
	}
	if !v.IsAUndefValue().IsNil() {
		return v, nil
	}
	if !v.IsAConstant().IsNil() {
		if !v.IsNull() {
			return llvm.Value{}, &PreconditionError{Reason: "non-null constant GC pointer has no meaningful base"}
		}
		return v, nil
	}
	if !v.IsAAllocaInst().IsNil() {
		if !cfg.AllFunctions {
			return llvm.Value{}, &PreconditionError{Reason: "GC pointer sourced from a stack slot"}
		}
		return v, nil
	}

	if !v.IsACastInst().IsNil() {
		return findBaseThroughCast(v, cfg)
	}
	if !v.IsALoadInst().IsNil() {
		// The loaded value is a base in its own right - we don't track
		// into memory per the Non-goals on globals/stack slots/heap.
		return v, nil
	}
	if !v.IsAGetElementPtrInst().IsNil() {
		return findBaseDefiningValue(v.Operand(0), cfg)
	}
	if !v.IsAAtomicCmpXchgInst().IsNil() {
		return v, nil
	}
	if !v.IsAAtomicRMWInst().IsNil() {
		return v, nil
	}
	if !v.IsAExtractValueInst().IsNil() {
		return v, nil
	}
	if !v.IsACallInst().IsNil() || !v.IsAInvokeInst().IsNil() {
		if alreadyTransformed(v) {
			return llvm.Value{}, &PreconditionError{Reason: "re-running safepoint insertion on already-transformed IR is not supported"}
		}
		return v, nil
	}
	if isMergeInstruction(v) {
		// Phi or select: blocks the simple search. The caller's
		// lattice resolves this.
		return v, nil
	}

	return llvm.Value{}, &InvariantError{Invariant: "bdv-classification", Detail: fmt.Sprintf("value %q of unrecognized kind has no known base-defining-value rule", v.Name())}
}

// findBaseThroughCast unwraps a pointer cast to find its source, rejecting
// int->ptr casts unless the frontend marked the cast as a known base (the
// "gc.permissive_cast" metadata convention) or Config.AllFunctions is set -
// SPEC_FULL.md's Open Question 1 decision.
func findBaseThroughCast(v llvm.Value, cfg Config) (llvm.Value, error) {
	src := v.Operand(0)
	if src.Type().TypeKind() == llvm.IntegerTypeKind {
		if v.HasMetadataStr("gc.permissive_cast") || cfg.AllFunctions {
			return v, nil
		}
		return llvm.Value{}, &PreconditionError{Reason: "cannot find the base pointer for an inttoptr cast"}
	}
	return findBaseDefiningValue(src, cfg)
}

// findBaseDefiningValueCached memoizes findBaseDefiningValue in cache.
func findBaseDefiningValueCached(v llvm.Value, cache DefiningValueMap, cfg Config) (llvm.Value, error) {
	if cached, ok := cache[v]; ok {
		return cached, nil
	}
	def, err := findBaseDefiningValue(v, cfg)
	if err != nil {
		return llvm.Value{}, err
	}
	cache[v] = def
	return def, nil
}

// findBaseOrBDV returns a base pointer for v if the cache already knows
// one, otherwise its base-defining value (which the caller must check with
// isKnownBaseResult before treating as a final answer).
func findBaseOrBDV(v llvm.Value, cache DefiningValueMap, cfg Config) (llvm.Value, error) {
	def, err := findBaseDefiningValueCached(v, cache, cfg)
	if err != nil {
		return llvm.Value{}, err
	}
	if resolved, ok := cache[def]; ok {
		return resolved, nil
	}
	return def, nil
}

// isKnownBaseResult reports whether v is known to already be a base
// pointer (as opposed to a phi/select BDV that still needs lattice
// resolution). A previously-inserted base phi/select (marked "is_base_value"
// via HasMetadataStr) is always known.
func isKnownBaseResult(v llvm.Value) bool {
	if !isMergeInstruction(v) {
		return true
	}
	return v.HasMetadataStr("is_base_value")
}

// phiStatus is the three-valued lattice of section 4.D: Unknown sits below
// every Base(b), which sits below Conflict.
type phiStatus int

const (
	statusUnknown phiStatus = iota
	statusBase
	statusConflict
)

// phiState is one lattice element: a status plus, when status is
// statusBase, the base value it names.
type phiState struct {
	status phiStatus
	base   llvm.Value
}

// meet implements the lattice's commutative, idempotent meet operation
// (section 8 property 8): Unknown is the identity, equal bases meet to
// themselves, and anything else (differing bases, or either side already
// Conflict) meets to Conflict.
func (a phiState) meet(b phiState) phiState {
	switch a.status {
	case statusUnknown:
		return b
	case statusBase:
		switch b.status {
		case statusUnknown:
			return a
		case statusBase:
			if a.base == b.base {
				return a
			}
			return phiState{status: statusConflict}
		default:
			return phiState{status: statusConflict}
		}
	default: // statusConflict
		return a
	}
}

// findBasePointer implements the full algorithm of section 4.D step 1-6 for
// a single value: short-circuit through findBaseOrBDV, and if that bottoms
// out at an unresolved phi/select, build the reachable merge workset, run
// fixpoint meet propagation, insert skeleton merges for every Conflict node,
// fill their operands, and cache the results.
func findBasePointer(v llvm.Value, cache DefiningValueMap, newlyInserted valueSet, cfg Config) (llvm.Value, error) {
	def, err := findBaseOrBDV(v, cache, cfg)
	if err != nil {
		return llvm.Value{}, err
	}
	if isKnownBaseResult(def) {
		return def, nil
	}

	states, err := collectMergeWorkset(def, cache, cfg)
	if err != nil {
		return llvm.Value{}, err
	}

	if err := propagateToFixpoint(states, cache, cfg); err != nil {
		return llvm.Value{}, err
	}

	skeletons, err := insertSkeletons(states)
	if err != nil {
		return llvm.Value{}, err
	}
	for merge, skeleton := range skeletons {
		newlyInserted.add(skeleton)
		states[merge] = phiState{status: statusConflict, base: skeleton}
	}

	if err := fillSkeletons(states, skeletons, cache, newlyInserted, cfg); err != nil {
		return llvm.Value{}, err
	}

	for v, st := range states {
		base := st.base
		if prev, ok := cache[v]; ok && isKnownBaseResult(prev) && prev != base {
			return llvm.Value{}, &InvariantError{Invariant: "base-relation-stable", Detail: fmt.Sprintf("base of %q changed from %q to %q after upgrade", v.Name(), prev.Name(), base.Name())}
		}
		cache[v] = base
	}

	return cache[def], nil
}

// collectMergeWorkset builds the set of every merge instruction transitively
// reachable from def through incoming BDVs that are themselves unresolved
// merges, each initialized to Unknown (section 4.D step 2).
func collectMergeWorkset(def llvm.Value, cache DefiningValueMap, cfg Config) (map[llvm.Value]phiState, error) {
	states := map[llvm.Value]phiState{def: {status: statusUnknown}}
	for changed := true; changed; {
		changed = false
		for merge := range states {
			incoming, err := mergeOperands(merge, cache, cfg)
			if err != nil {
				return nil, err
			}
			for _, in := range incoming {
				local, err := findBaseOrBDV(in, cache, cfg)
				if err != nil {
					return nil, err
				}
				if !isKnownBaseResult(local) {
					if _, ok := states[local]; !ok {
						states[local] = phiState{status: statusUnknown}
						changed = true
					}
				}
			}
		}
	}
	return states, nil
}

// mergeOperands returns the incoming values of a phi (one per predecessor)
// or the true/false values of a select.
func mergeOperands(merge llvm.Value, cache DefiningValueMap, cfg Config) ([]llvm.Value, error) {
	if !merge.IsAPHINode().IsNil() {
		n := merge.IncomingCount()
		out := make([]llvm.Value, n)
		for i := 0; i < n; i++ {
			out[i] = merge.IncomingValue(i)
		}
		return out, nil
	}
	if !merge.IsASelectInst().IsNil() {
		return []llvm.Value{merge.Operand(1), merge.Operand(2)}, nil
	}
	return nil, &InvariantError{Invariant: "merge-operands", Detail: "value passed to mergeOperands is neither phi nor select"}
}

// propagateToFixpoint runs the optimistic meet-propagation iteration of
// section 4.D step 3 to a fixed point: every merge's state becomes the meet
// of its incoming BDVs' states (a non-merge incoming contributes Base(self),
// a merge incoming contributes its current lattice value).
func propagateToFixpoint(states map[llvm.Value]phiState, cache DefiningValueMap, cfg Config) error {
	for progress := true; progress; {
		progress = false
		for merge := range states {
			incoming, err := mergeOperands(merge, cache, cfg)
			if err != nil {
				return err
			}
			result := phiState{status: statusUnknown}
			for _, in := range incoming {
				local, err := findBaseOrBDV(in, cache, cfg)
				if err != nil {
					return err
				}
				var contribution phiState
				if isKnownBaseResult(local) {
					contribution = phiState{status: statusBase, base: local}
				} else {
					contribution = states[local]
				}
				// Meet must commute - section 4.D asserts this
				// every step; check it here since it's cheap
				// and catches a broken contribution immediately.
				if result.meet(contribution) != contribution.meet(result) {
					return &InvariantError{Invariant: "meet-commutes", Detail: "base lattice meet is not commutative"}
				}
				result = result.meet(contribution)
			}
			if result != states[merge] {
				states[merge] = result
				progress = true
			}
		}
	}
	return nil
}

// insertSkeletons creates one empty phi or select alongside each merge whose
// lattice state settled at Conflict (section 4.D step 4: "insert a new
// phi/select with the same shape as the original, but undef operands, to
// serve as the base"). A merge that settled at Base(b) needs no skeleton -
// its resolved base is simply b. The returned map is keyed by the original
// merge instruction.
func insertSkeletons(states map[llvm.Value]phiState) (map[llvm.Value]llvm.Value, error) {
	skeletons := make(map[llvm.Value]llvm.Value)
	for merge, st := range states {
		if st.status != statusConflict {
			continue
		}
		skeleton, err := buildSkeleton(merge)
		if err != nil {
			return nil, err
		}
		skeletons[merge] = skeleton
	}
	return skeletons, nil
}

// buildSkeleton inserts, immediately before merge, a new phi or select of
// the same shape (same incoming blocks for a phi, same condition for a
// select) but with every value operand set to undef of the GC pointer type.
// It is tagged "is_base_value" so isKnownBaseResult recognizes it as already
// resolved on any later lookup, and named after the original with a
// ".base" suffix for readability in dumps, matching the original pass's
// naming convention for its inserted base phis.
func buildSkeleton(merge llvm.Value) (llvm.Value, error) {
	bb := merge.InstructionParent()
	builder := bb.Parent().GlobalParent().Context().NewBuilder()
	defer builder.Dispose()
	builder.SetInsertPointBefore(merge)

	gcPtrType := merge.Type()
	undef := llvm.Undef(gcPtrType)

	var skeleton llvm.Value
	switch {
	case !merge.IsAPHINode().IsNil():
		skeleton = builder.CreatePHI(gcPtrType, merge.Name()+".base")
		n := merge.IncomingCount()
		blocks := make([]llvm.BasicBlock, n)
		values := make([]llvm.Value, n)
		for i := 0; i < n; i++ {
			blocks[i] = merge.IncomingBlock(i)
			values[i] = undef
		}
		skeleton.AddIncoming(values, blocks)
	case !merge.IsASelectInst().IsNil():
		skeleton = builder.CreateSelect(merge.Operand(0), undef, undef, merge.Name()+".base")
	default:
		return llvm.Value{}, &InvariantError{Invariant: "merge-shape", Detail: "buildSkeleton called on neither phi nor select"}
	}

	skeleton.SetMetadataStr("is_base_value", skeleton)
	return skeleton, nil
}

// fillSkeletons fills in the real operands of each skeleton built by
// insertSkeletons, recursively resolving the base of each incoming derived
// value (inserting further skeletons transitively if an incoming value is
// itself an unresolved merge reachable only through this pass, per section
// 4.D step 5: "fix up the operands of the new phi/selects"). Differing
// pointer types across an operand and the skeleton's own type are bridged
// with a bitcast, inserted at the end of the contributing predecessor block
// (for a phi) or immediately before the skeleton (for a select).
func fillSkeletons(states map[llvm.Value]phiState, skeletons map[llvm.Value]llvm.Value, cache DefiningValueMap, newlyInserted valueSet, cfg Config) error {
	for merge, skeleton := range skeletons {
		incoming, err := mergeOperands(merge, cache, cfg)
		if err != nil {
			return err
		}

		var blocks []llvm.BasicBlock
		if !merge.IsAPHINode().IsNil() {
			n := merge.IncomingCount()
			blocks = make([]llvm.BasicBlock, n)
			for i := 0; i < n; i++ {
				blocks[i] = merge.IncomingBlock(i)
			}
		}

		resolved := make([]llvm.Value, len(incoming))
		for i, in := range incoming {
			local, err := findBaseOrBDV(in, cache, cfg)
			if err != nil {
				return err
			}
			var base llvm.Value
			if isKnownBaseResult(local) {
				base = local
			} else if st, ok := states[local]; ok && st.status == statusBase {
				base = st.base
			} else if st, ok := states[local]; ok && st.status == statusConflict {
				base = st.base // the other skeleton, already inserted
			} else {
				return &InvariantError{Invariant: "base-resolved-before-fill", Detail: "merge operand has neither a known base nor a settled lattice state"}
			}

			if base.Type() != skeleton.Type() {
				base = bitcastBase(base, skeleton, blocks, i, merge)
			}
			resolved[i] = base
		}

		if err := setSkeletonOperands(skeleton, resolved, blocks); err != nil {
			return err
		}
	}
	return nil
}

// setSkeletonOperands overwrites a skeleton phi/select's value operands in
// place, now that every one has been resolved (and bitcast if needed) to a
// real base pointer of the skeleton's own type.
func setSkeletonOperands(skeleton llvm.Value, resolved []llvm.Value, blocks []llvm.BasicBlock) error {
	switch {
	case !skeleton.IsAPHINode().IsNil():
		skeleton.RemoveAllIncoming()
		skeleton.AddIncoming(resolved, blocks)
		return nil
	case !skeleton.IsASelectInst().IsNil():
		if len(resolved) != 2 {
			return &InvariantError{Invariant: "select-operand-count", Detail: "select skeleton must have exactly two value operands"}
		}
		skeleton.SetOperand(1, resolved[0])
		skeleton.SetOperand(2, resolved[1])
		return nil
	default:
		return &InvariantError{Invariant: "merge-shape", Detail: "setSkeletonOperands called on neither phi nor select"}
	}
}

// bitcastBase inserts a pointer bitcast from base's type to target's type,
// placed at the end of the contributing predecessor block for a phi operand
// (index identifies which incoming pair), or immediately before target
// itself for a select operand.
func bitcastBase(base, target llvm.Value, blocks []llvm.BasicBlock, index int, merge llvm.Value) llvm.Value {
	ctx := target.Type().Context()
	builder := ctx.NewBuilder()
	defer builder.Dispose()

	if !merge.IsAPHINode().IsNil() {
		pred := blocks[index]
		term := pred.Terminator()
		builder.SetInsertPointBefore(term)
	} else {
		builder.SetInsertPointBefore(target)
	}
	return builder.CreateBitCast(base, target.Type(), base.Name()+".basecast")
}
