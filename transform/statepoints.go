package transform

import "tinygo.org/x/go-llvm"

// Collaborators bundles the out-of-scope services Run needs: a dominator
// tree, loop info, an inliner, a mem2reg promoter, and an IR verifier. A
// caller typically constructs these from internal/domtree and a thin
// go-llvm wrapper around LLVM's own inliner/mem2reg/verifier passes.
type Collaborators struct {
	DominatorTree DominatorTree
	LoopInfo      LoopInfo
	Inliner       Inliner
	Promoter      Promoter
	Verifier      Verifier
}

// Result is what Run reports back for one function: every parse point's
// final record, for a caller that wants to inspect or test the outcome.
type Result struct {
	Records []*SafepointRecord
}

// Run implements the whole-function pipeline of section 2: A -> B -> (C, D
// co-operating) -> E -> F. Each phase is preceded and followed by
// verification according to cfg.VerifyLevel, and the pass either
// transforms fn completely or returns an error - there is no partial
// transformation (section 7's propagation rule).
func Run(mod llvm.Module, fn llvm.Value, collab Collaborators, cfg Config) (*Result, error) {
	if cfg.VerifyLevel >= VerifyEntryExit && collab.Verifier != nil {
		if err := collab.Verifier.VerifyFunction(fn); err != nil {
			return nil, &PreconditionError{Function: fn.Name(), Reason: "input IR failed verification: " + err.Error()}
		}
	}

	trace(cfg, "run: function %q", fn.Name())

	sites, err := SelectPollSites(fn, collab.DominatorTree, collab.LoopInfo, cfg)
	if err != nil {
		return nil, err
	}

	parsePoints, newlyInserted, err := inlineAndCollectParsePoints(mod, fn, collab, sites, cfg)
	if err != nil {
		return nil, err
	}
	verifyAfterPhase(collab, fn, cfg, "poll insertion")

	records, cache, err := resolveLivenessAndBases(fn, parsePoints, newlyInserted, collab.DominatorTree, cfg)
	if err != nil {
		return nil, err
	}
	verifyAfterPhase(collab, fn, cfg, "base resolution")

	if cfg.BaseRewriteOnly {
		for _, rec := range records {
			rec.State = BasesResolved
		}
		return &Result{Records: records}, nil
	}

	for _, rec := range records {
		if err := MaterializeStatepoint(mod, collab.DominatorTree, rec, cfg); err != nil {
			return nil, err
		}
	}
	verifyAfterPhase(collab, fn, cfg, "materialization")

	rewriter := NewRelocationRewriter(collab.Promoter, collab.DominatorTree)
	if err := rewriter.Rewrite(fn, records); err != nil {
		return nil, err
	}

	if cfg.VerifyLevel >= VerifyEntryExit && collab.Verifier != nil {
		if err := collab.Verifier.VerifyFunction(fn); err != nil {
			return nil, &InvariantError{Invariant: "output-well-formed", Detail: err.Error()}
		}
		if err := collab.Verifier.VerifySafepoints(fn); err != nil {
			return nil, &InvariantError{Invariant: "safepoint-shape", Detail: err.Error()}
		}
	}

	_ = cache
	return &Result{Records: records}, nil
}

// inlineAndCollectParsePoints turns the three kinds of poll location from A
// into the function's full parse-point list: backedge and entry locations
// get the poll body inlined (B), producing further parse points; direct
// call sites are parse points already.
func inlineAndCollectParsePoints(mod llvm.Module, fn llvm.Value, collab Collaborators, sites PollLocations, cfg Config) ([]llvm.Value, valueSet, error) {
	var parsePoints []llvm.Value
	newlyInserted := newValueSet()

	inlineOne := func(loc llvm.Value) error {
		if loc.IsNil() {
			return nil
		}
		inlined, err := InlinePoll(mod, collab.DominatorTree, collab.Inliner, loc)
		if err != nil {
			return err
		}
		parsePoints = append(parsePoints, inlined...)
		return nil
	}

	if err := inlineOne(sites.Entry); err != nil {
		return nil, nil, err
	}
	for _, backedge := range sites.Backedges {
		if err := inlineOne(backedge); err != nil {
			return nil, nil, err
		}
	}
	parsePoints = append(parsePoints, sites.Calls...)

	return parsePoints, newlyInserted, nil
}

// resolveLivenessAndBases implements C and D co-operating (section 2): for
// each parse point compute its live set, resolve bases for that live set
// (sharing one BDV cache across all sites per section 3), then fold in any
// newly-inserted base values that have become live at other sites per
// section 4.D's "Integrating inserted defs" step.
func resolveLivenessAndBases(fn llvm.Value, parsePoints []llvm.Value, newlyInserted valueSet, dt DominatorTree, cfg Config) ([]*SafepointRecord, DefiningValueMap, error) {
	cache := NewDefiningValueMap()

	var lm *LivenessMap
	if cfg.DataflowLiveness {
		lm = ComputeLiveness(fn)
	}

	records := make([]*SafepointRecord, 0, len(parsePoints))
	for _, pp := range parsePoints {
		live := liveSetFor(pp, lm)
		rec := &SafepointRecord{Call: pp, Live: live, State: LivenessComputed}
		records = append(records, rec)
	}

	for _, rec := range records {
		traceLiveSet(cfg, rec.Call, rec.Live)
		pairs, err := ResolveBasePointers(rec.Live, cache, newlyInserted, cfg)
		if err != nil {
			return nil, nil, err
		}
		rec.Bases = pairs
		rec.State = BasesResolved
		traceBasePairs(cfg, rec.Call, rec.Bases)
	}

	if err := integrateInsertedDefs(fn, records, newlyInserted, dt, cfg); err != nil {
		return nil, nil, err
	}

	return records, cache, nil
}

// liveSetFor computes the GC-pointer live set at pp, using the precomputed
// LivenessMap if the caller asked for global/dataflow mode, or on-demand
// local reachability otherwise.
func liveSetFor(pp llvm.Value, lm *LivenessMap) []llvm.Value {
	return LiveAtInstruction(pp, lm).slice()
}

// integrateInsertedDefs implements 4.D's "Integrating inserted defs" step:
// after every site's bases are resolved once, any skeleton merge inserted
// along the way can itself be live at other parse points (it dominates
// wherever the original derived pointer it based did). For each recorded
// parse point, add any newly-inserted def whose definition dominates the
// site and that has at least one use reachable past it, treating each such
// value as its own base.
func integrateInsertedDefs(fn llvm.Value, records []*SafepointRecord, newlyInserted valueSet, dt DominatorTree, cfg Config) error {
	if len(newlyInserted) == 0 {
		return nil
	}
	inserted := newlyInserted.slice()
	for _, rec := range records {
		for _, v := range inserted {
			if rec.Bases[v] != (llvm.Value{}) {
				continue
			}
			if !dominatesDefinition(v, rec.Call, dt) {
				continue
			}
			if !hasUseReachablePast(v, rec.Call) {
				continue
			}
			rec.Live = append(rec.Live, v)
			if rec.Bases == nil {
				rec.Bases = make(BasePairs)
			}
			rec.Bases[v] = v
		}
	}
	return nil
}

// dominatesDefinition reports whether v's definition dominates site. With a
// DominatorTree available (Run always supplies collab.DominatorTree) this
// is a precise cross-block check: same block falls back to program-order
// scanning (dt.Dominates only answers at block granularity), any other
// block goes straight to dt.Dominates. Without a tree - only possible when
// a caller builds Collaborators with DominatorTree left nil - this
// degrades to the same-block-only approximation, which is conservative
// (it only ever under-integrates, never folds in a def that doesn't
// actually dominate the site).
func dominatesDefinition(v, site llvm.Value, dt DominatorTree) bool {
	vBlock, siteBlock := v.InstructionParent(), site.InstructionParent()
	if vBlock == siteBlock {
		for inst := vBlock.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if inst == v {
				return true
			}
			if inst == site {
				return false
			}
		}
		return false
	}
	if dt == nil {
		return false
	}
	return dt.Dominates(vBlock, siteBlock)
}

// hasUseReachablePast reports whether v has at least one use outside site's
// own block, or after site within the block - i.e. whether it is genuinely
// live past this parse point rather than dead code kept alive only by its
// own definition.
func hasUseReachablePast(v, site llvm.Value) bool {
	for use := v.FirstUse(); use.C != nil; use = use.NextUse() {
		user := use.User()
		if user.InstructionParent() != site.InstructionParent() {
			return true
		}
		for inst := llvm.NextInstruction(site); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if inst == user {
				return true
			}
		}
	}
	return false
}

// verifyAfterPhase runs VerifyFunction when the configured level calls for
// per-phase checks. A failure is written to the trace, tagged with the phase
// name for easier triage; it does not stop the pass (only the entry/exit
// checks in Run return an error). VerifySafepoints is not run here.
func verifyAfterPhase(collab Collaborators, fn llvm.Value, cfg Config, phase string) {
	if cfg.VerifyLevel < VerifyEachPhase || collab.Verifier == nil {
		return
	}
	if err := collab.Verifier.VerifyFunction(fn); err != nil {
		trace(cfg, "verification failed after %s: %s", phase, err.Error())
	}
}
