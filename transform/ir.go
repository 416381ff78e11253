package transform

import "tinygo.org/x/go-llvm"

// GCAddressSpace is the LLVM address space used to tag pointers to
// garbage-collected objects. Any pointer type in this address space is a GC
// pointer; every other pointer type is not managed by the collector.
const GCAddressSpace = 1

// PollFunctionName is the frontend-supplied function whose body implements
// the cooperative safepoint check-and-yield protocol. It is inlined at every
// poll location by the PollInliner.
const PollFunctionName = "gc.safepoint_poll"

// VMStateMarkerName is the frontend-supplied marker function used to anchor
// language-level abstract (deopt) state at a call site, consulted only when
// Config.UseAbstractState is set.
const VMStateMarkerName = "gc.vm_state"

// Function attribute names a frontend sets on a function to opt it into a
// class of safepoints, or to mark it as never transitioning to the runtime.
const (
	AttrEntrySafepoints    = "gc-add-entry-safepoints"
	AttrBackedgeSafepoints = "gc-add-backedge-safepoints"
	AttrCallSafepoints     = "gc-add-call-safepoints"
	AttrLeafFunction       = "gc-leaf-function"
)

// isGCPointerType reports whether t is a pointer in GCAddressSpace.
func isGCPointerType(t llvm.Type) bool {
	return t.TypeKind() == llvm.PointerTypeKind && t.PointerAddressSpace() == GCAddressSpace
}

// IsGCPointerValue reports whether v has GC-pointer type.
func IsGCPointerValue(v llvm.Value) bool {
	return isGCPointerType(v.Type())
}

// isExcludedConstant reports whether v is a value the liveness and
// base-pointer machinery should never treat as a live GC pointer: the null
// pointer constant or an undefined value. Per invariant 1 in section 3 of
// the spec, only values of GC-pointer type ever enter a live set, and these
// two constant forms are excluded by policy even though they are pointer
// typed.
func isExcludedConstant(v llvm.Value) bool {
	if !v.IsAUndefValue().IsNil() {
		return true
	}
	if !v.IsAConstant().IsNil() {
		return v.IsNull()
	}
	return false
}

// isMergeInstruction reports whether v is a phi or select instruction - the
// two instruction shapes the base-pointer resolver must treat specially,
// since each can choose between multiple incoming derived pointers.
func isMergeInstruction(v llvm.Value) bool {
	return !v.IsAPHINode().IsNil() || !v.IsASelectInst().IsNil()
}

// instOperands returns the operand list of an instruction in stable order.
func instOperands(v llvm.Value) []llvm.Value {
	n := v.OperandsCount()
	ops := make([]llvm.Value, n)
	for i := 0; i < n; i++ {
		ops[i] = v.Operand(i)
	}
	return ops
}

// gcOperands filters operands to just those of GC-pointer type, excluding
// null and undef.
func gcOperands(v llvm.Value) []llvm.Value {
	var out []llvm.Value
	for _, op := range instOperands(v) {
		if IsGCPointerValue(op) && !isExcludedConstant(op) {
			out = append(out, op)
		}
	}
	return out
}

// isCallLike reports whether v is a call instruction (invokes are handled,
// and rejected, separately - see checkSupportedCFG).
func isCallLike(v llvm.Value) bool {
	return !v.IsACallInst().IsNil()
}

// isIntrinsicCall reports whether the callee of a call instruction is an
// LLVM intrinsic function (name begins with "llvm.").
func isIntrinsicCall(v llvm.Value) bool {
	callee := v.CalledValue()
	if callee.IsNil() {
		return false
	}
	name := callee.Name()
	return len(name) >= 5 && name[:5] == "llvm."
}

// calleeName returns the statically known callee name of a direct call, or
// "" for an indirect call.
func calleeName(v llvm.Value) string {
	callee := v.CalledValue()
	if callee.IsNil() {
		return ""
	}
	return callee.Name()
}

// alreadyTransformed reports whether v is part of a previously-inserted
// statepoint sequence (statepoint token, gc.relocate, or gc.result*). Per
// Non-goal (vii), re-running this pass on already-transformed IR is
// unsupported; this predicate is used to fail fast rather than double
// process such sites, and to let PollSiteSelector/NeedsStatepoint silently
// skip them per the "benign skip" error class.
func alreadyTransformed(v llvm.Value) bool {
	if !isCallLike(v) {
		return false
	}
	switch calleeName(v) {
	case "llvm.experimental.gc.statepoint",
		"llvm.experimental.gc.relocate",
		"llvm.experimental.gc.result.ptr",
		"llvm.experimental.gc.result.int",
		"llvm.experimental.gc.result.float":
		return true
	}
	return false
}

// functionHasAttr reports whether fn carries the named string attribute
// with value "true".
func functionHasAttr(fn llvm.Value, name string) bool {
	attr := fn.GetStringAttributeAtIndex(-1, name)
	if attr.IsNil() {
		return false
	}
	return attr.GetStringValue() == "true"
}

// isPollFunction reports whether fn is the distinguished poll implementation
// itself, which is always exempt from safepoint insertion (section 4.A).
func isPollFunction(fn llvm.Value) bool {
	return fn.Name() == PollFunctionName
}
