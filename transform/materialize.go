package transform

import (
	"sort"

	"tinygo.org/x/go-llvm"
)

// StatepointIntrinsicName is the callee materialized at every parse point.
// Result projections and relocates are modeled as further calls to the
// fixed names below rather than one overloaded-by-type intrinsic family,
// since go-llvm's type-parameterized intrinsic lookup isn't needed for a
// module that only ever has one GC pointer representation (section 3: GC
// pointer == pointer in address space 1, nothing else).
const StatepointIntrinsicName = "llvm.experimental.gc.statepoint"

// Result projection callee names, one per original-call result kind.
const (
	ResultIntrinsicPointer = "llvm.experimental.gc.result.ptr"
	ResultIntrinsicInteger = "llvm.experimental.gc.result.int"
	ResultIntrinsicFloat   = "llvm.experimental.gc.result.float"
)

// RelocateIntrinsicName is the callee of every relocate projection.
const RelocateIntrinsicName = "llvm.experimental.gc.relocate"

// SiteState is the one-way state machine of section 4.E for a single parse
// point: a site only ever moves forward, and the pass aborts on any failed
// contract rather than attempting to back out a partial transition.
type SiteState int

const (
	Nominated SiteState = iota
	LivenessComputed
	BasesResolved
	Materialized
	Rewritten
)

// SafepointRecord is the per-parse-point bookkeeping record of section 3's
// data model: it accumulates through Nominated -> ... -> Rewritten and is
// discarded once F completes.
type SafepointRecord struct {
	Call llvm.Value

	Live          []llvm.Value
	Bases         BasePairs
	NewlyInserted []llvm.Value

	// Token is the statepoint call itself; Last is the final instruction
	// of the inserted sequence (the last relocate, or the result
	// projection if the call's result is used and has no live relocate
	// emitted after it). Between them no other instruction may be
	// inserted (invariant 3).
	Token llvm.Value
	Last  llvm.Value

	// RelocatedResult is the result-projection value replacing uses of
	// the original call's result, or the nil Value if the call result is
	// unused or void.
	RelocatedResult llvm.Value

	// Relocates maps each live value to its relocate projection at this
	// site, populated in the same order the live region was laid out.
	Relocates map[llvm.Value]llvm.Value

	State SiteState
}

// abstractState is the five-field language-level deopt state section 4.E
// step 3 and section 6's wire format both call for: caller depth, bytecode
// index, stack depth, local count, monitor count, plus the typed stack and
// local encodings and the monitor values themselves.
type abstractState struct {
	depth, bci           int64
	stackTypes           []llvm.Value
	stackValues          []llvm.Value
	localTypes           []llvm.Value
	localValues          []llvm.Value
	monitors             []llvm.Value
}

// placeholderAbstractState is used whenever Config.UseAbstractState is
// false or no dominating gc.vm_state marker is found: the five integer
// fields are zero, or -1 for depth/bci per section 4.E's "placeholder -1"
// convention, with no stack/local/monitor sections.
func placeholderAbstractState(ctx llvm.Context) abstractState {
	return abstractState{depth: -1, bci: -1}
}

// MaterializeStatepoint implements 4.E for one parse point: given the call
// being replaced, its live set, and its resolved base-pair map, it builds
// the statepoint token, the result projection (if needed), and one relocate
// per live value, returning the populated record. The call instruction
// itself is removed from the IR once the statepoint has taken its place.
func MaterializeStatepoint(mod llvm.Module, dt DominatorTree, rec *SafepointRecord, cfg Config) error {
	if rec.State != BasesResolved {
		return &InvariantError{Invariant: "site-state-order", Detail: "MaterializeStatepoint called on a site not yet past BasesResolved"}
	}

	live := ensureBasesInLive(rec.Live, rec.Bases)
	live = stableSortByName(live)
	rec.Live = live

	state := placeholderAbstractState(mod.Context())
	if cfg.UseAbstractState {
		if found, ok := findVMState(rec.Call, dt); ok {
			state = vmStateFromMarker(found)
		}
	}

	builder := mod.Context().NewBuilder()
	defer builder.Dispose()
	builder.SetInsertPointBefore(rec.Call)

	operands := buildStatepointOperands(rec.Call, state, live)
	token := builder.CreateCall(statepointFunctionType(mod, rec.Call), statepointCallee(mod), operands, "")
	rec.Token = token
	last := token

	resultUsed := callResultIsUsed(rec.Call)
	if resultUsed {
		resultFn := resultIntrinsicFor(rec.Call.Type())
		resultCallee := mod.NamedFunction(resultFn)
		if resultCallee.IsNil() {
			resultCallee = llvm.AddFunction(mod, resultFn, resultIntrinsicType(mod, rec.Call.Type()))
		}
		result := builder.CreateCall(resultIntrinsicType(mod, rec.Call.Type()), resultCallee, []llvm.Value{token}, rec.Call.Name()+".result")
		rec.RelocatedResult = result
		last = result
		rec.Call.ReplaceAllUsesWith(result)
	}

	rec.Relocates = make(map[llvm.Value]llvm.Value, len(live))
	for _, v := range live {
		base := rec.Bases[v]
		baseIdx := indexOf(live, base)
		derivedIdx := indexOf(live, v)
		relocateCallee := mod.NamedFunction(RelocateIntrinsicName)
		if relocateCallee.IsNil() {
			relocateCallee = llvm.AddFunction(mod, RelocateIntrinsicName, relocateIntrinsicType(mod, v.Type()))
		}
		relocate := builder.CreateCall(relocateIntrinsicType(mod, v.Type()), relocateCallee,
			[]llvm.Value{token, llvm.ConstInt(mod.Context().Int32Type(), uint64(baseIdx), false), llvm.ConstInt(mod.Context().Int32Type(), uint64(derivedIdx), false)},
			v.Name()+".relocated")
		rec.Relocates[v] = relocate
		last = relocate
	}

	rec.Last = last
	rec.Call.EraseFromParentAsInstruction()
	rec.State = Materialized
	return nil
}

// ensureBasesInLive implements step 1: every base referenced in the
// base-pair map must itself be present in the live vector, appended at the
// tail (so register assignment for the pre-existing entries is undisturbed)
// if it is missing.
func ensureBasesInLive(live []llvm.Value, bases BasePairs) []llvm.Value {
	present := newValueSet(live...)
	out := append([]llvm.Value(nil), live...)
	// Iterate in the same order as live to keep the appended tail
	// deterministic for a given input order, rather than ranging the map.
	for _, v := range live {
		base := bases[v]
		if !present.has(base) {
			present.add(base)
			out = append(out, base)
		}
	}
	return out
}

// stableSortByName implements 4.E step 2 and the supplemented
// stablize_order/order_by_name feature (SPEC_FULL.md section 5): sort by
// value name, falling back to original (insertion) order for unnamed values
// or for a tie, since Go offers no stable pointer-identity ordering to fall
// back to (SPEC_FULL.md's Open Question 3 decision). Unnamed values compare
// as the empty name and so sort before every named value.
func stableSortByName(live []llvm.Value) []llvm.Value {
	out := append([]llvm.Value(nil), live...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Name() < out[j].Name()
	})
	return out
}

func indexOf(vs []llvm.Value, target llvm.Value) int {
	for i, v := range vs {
		if v == target {
			return i
		}
	}
	return -1
}

// callResultIsUsed reports whether a non-void call's result has at least
// one use, per step 4's "when the result is used" condition.
func callResultIsUsed(call llvm.Value) bool {
	if call.Type().TypeKind() == llvm.VoidTypeKind {
		return false
	}
	return call.FirstUse().C != nil
}

// resultIntrinsicFor picks the result-projection callee matching t's kind.
func resultIntrinsicFor(t llvm.Type) string {
	switch t.TypeKind() {
	case llvm.PointerTypeKind:
		return ResultIntrinsicPointer
	case llvm.FloatTypeKind, llvm.DoubleTypeKind:
		return ResultIntrinsicFloat
	default:
		return ResultIntrinsicInteger
	}
}

// buildStatepointOperands lays out the fixed prefix and variable sections
// of section 6's wire format:
//
//	[callee][argCount][flags][depth][bci][#stack][#locals][#monitors]
//	[origArgs...][<typeTag,stackValue>x#stack][<typeTag,localValue>x#locals]
//	[monitorx#monitors][liveGCValues...]
func buildStatepointOperands(call llvm.Value, state abstractState, live []llvm.Value) []llvm.Value {
	ctx := call.Type().Context()
	i32 := ctx.Int32Type()
	i64 := ctx.Int64Type()

	callee := call.CalledValue()
	args := instOperands(call)
	if n := call.OperandsCount(); n > 0 {
		// The last operand of a call instruction in go-llvm is the
		// callee itself; exclude it from the original-argument list.
		args = args[:n-1]
	}

	ops := []llvm.Value{
		callee,
		llvm.ConstInt(i32, uint64(len(args)), false),
		llvm.ConstInt(i32, 0, false), // reserved flag word
		llvm.ConstInt(i64, uint64(state.depth), true),
		llvm.ConstInt(i64, uint64(state.bci), true),
		llvm.ConstInt(i32, uint64(len(state.stackValues)), false),
		llvm.ConstInt(i32, uint64(len(state.localValues)), false),
		llvm.ConstInt(i32, uint64(len(state.monitors)), false),
	}
	ops = append(ops, args...)
	for i := range state.stackValues {
		ops = append(ops, state.stackTypes[i], state.stackValues[i])
	}
	for i := range state.localValues {
		ops = append(ops, state.localTypes[i], state.localValues[i])
	}
	ops = append(ops, state.monitors...)
	ops = append(ops, live...)
	return ops
}

// findVMState implements the original's findVMState: look for the nearest
// call to VMStateMarkerName that dominates call, checking call's own block
// first (any marker before call in program order) and then walking up the
// dominator tree one block at a time.
func findVMState(call llvm.Value, dt DominatorTree) (llvm.Value, bool) {
	bb := call.InstructionParent()
	if marker, ok := lastMarkerInBlock(bb, call); ok {
		return marker, true
	}
	for {
		idom, ok := dt.ImmediateDominator(bb)
		if !ok {
			return llvm.Value{}, false
		}
		if marker, ok := lastMarkerInBlock(idom, llvm.Value{}); ok {
			return marker, true
		}
		bb = idom
	}
}

// lastMarkerInBlock returns the last call to VMStateMarkerName in bb, found
// before stopBefore if it is non-nil and in bb, else searching the whole
// block.
func lastMarkerInBlock(bb llvm.BasicBlock, stopBefore llvm.Value) (llvm.Value, bool) {
	var found llvm.Value
	ok := false
	for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
		if !stopBefore.IsNil() && inst == stopBefore {
			break
		}
		if isCallLike(inst) && calleeName(inst) == VMStateMarkerName {
			found = inst
			ok = true
		}
	}
	return found, ok
}

// vmStateFromMarker decodes a gc.vm_state marker call's arguments into an
// abstractState: the marker is called with (depth, bci, values...), and
// every argument after depth and bci is recorded as a stack value; no
// locals or monitors are decoded. This module does not attempt to recover
// per-value type tags beyond the GC-pointer/non-pointer distinction already
// visible on each llvm.Value's own type.
func vmStateFromMarker(marker llvm.Value) abstractState {
	args := instOperands(marker)
	if n := len(args); n > 0 {
		// The last operand of a call instruction is the callee itself.
		args = args[:n-1]
	}
	if len(args) < 2 {
		return abstractState{depth: -1, bci: -1}
	}
	depth := constIntValue(args[0])
	bci := constIntValue(args[1])
	rest := args[2:]

	var stackValues, stackTypes []llvm.Value
	for _, v := range rest {
		stackValues = append(stackValues, v)
		stackTypes = append(stackTypes, typeTagConstant(v))
	}
	return abstractState{
		depth:       depth,
		bci:         bci,
		stackValues: stackValues,
		stackTypes:  stackTypes,
	}
}

func constIntValue(v llvm.Value) int64 {
	if v.IsAConstantInt().IsNil() {
		return -1
	}
	return v.SExtValue()
}

// typeTagConstant produces the small integer tag the wire format pairs with
// each stack/local value: 1 for a GC pointer, 0 otherwise.
func typeTagConstant(v llvm.Value) llvm.Value {
	ctx := v.Type().Context()
	if IsGCPointerValue(v) {
		return llvm.ConstInt(ctx.Int8Type(), 1, false)
	}
	return llvm.ConstInt(ctx.Int8Type(), 0, false)
}

// statepointCallee, statepointFunctionType, resultIntrinsicType, and
// relocateIntrinsicType declare (or look up) the intrinsic functions used as
// statepoint/result/relocate callees, creating them on first use in the
// module being transformed - mirroring how LLVM's own intrinsic functions
// are materialized lazily via Intrinsic::getDeclaration.
func statepointCallee(mod llvm.Module) llvm.Value {
	fn := mod.NamedFunction(StatepointIntrinsicName)
	if fn.IsNil() {
		fnType := llvm.FunctionType(mod.Context().TokenType(), nil, true)
		fn = llvm.AddFunction(mod, StatepointIntrinsicName, fnType)
	}
	return fn
}

func statepointFunctionType(mod llvm.Module, call llvm.Value) llvm.Type {
	return llvm.FunctionType(mod.Context().TokenType(), nil, true)
}

func resultIntrinsicType(mod llvm.Module, resultType llvm.Type) llvm.Type {
	tokenType := mod.Context().TokenType()
	return llvm.FunctionType(resultType, []llvm.Type{tokenType}, false)
}

func relocateIntrinsicType(mod llvm.Module, valueType llvm.Type) llvm.Type {
	tokenType := mod.Context().TokenType()
	i32 := mod.Context().Int32Type()
	return llvm.FunctionType(valueType, []llvm.Type{tokenType, i32, i32}, false)
}
