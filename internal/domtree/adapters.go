package domtree

import (
	"fmt"

	"github.com/tinygo-org/tinygo-safepoint/transform"
	"tinygo.org/x/go-llvm"
)

// FunctionInliner is the default transform.Inliner: it splices the callee's
// body into the caller in place of call using go-llvm's own inlining
// utility, the same primitive TinyGo's builder package reaches for when it
// needs to force-inline a runtime helper (see builder/bdwgc.go's use of
// llvm's inlining pass infrastructure for GC barrier helpers).
type FunctionInliner struct{}

// InlineCall replaces call with its callee's body, reporting every basic
// block the inlining introduced.
func (FunctionInliner) InlineCall(call llvm.Value) ([]llvm.BasicBlock, error) {
	callee := call.CalledValue()
	if callee.IsNil() || callee.IsAFunction().IsNil() {
		return nil, &transform.ConfigError{Reason: "InlineCall requires a direct call to a function"}
	}
	fn := call.InstructionParent().Parent()

	before := blockSet(fn)
	if ok := llvm.InlineFunction(call); !ok {
		return nil, &transform.ConfigError{Reason: fmt.Sprintf("inlining %q failed", callee.Name())}
	}

	var newInsts []llvm.Value
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		if !before[bb] {
			for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
				newInsts = append(newInsts, inst)
			}
		}
	}
	return blocksOf(newInsts), nil
}

func blockSet(fn llvm.Value) map[llvm.BasicBlock]bool {
	out := make(map[llvm.BasicBlock]bool)
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		out[bb] = true
	}
	return out
}

func blocksOf(insts []llvm.Value) []llvm.BasicBlock {
	seen := make(map[llvm.BasicBlock]bool)
	var out []llvm.BasicBlock
	for _, inst := range insts {
		bb := inst.InstructionParent()
		if !seen[bb] {
			seen[bb] = true
			out = append(out, bb)
		}
	}
	return out
}

// Mem2RegPromoter is the default transform.Promoter: it hands the given
// allocas to go-llvm's mem2reg utility, which places any phis it needs
// using dt only as a shape hint (the LLVM-C mem2reg implementation
// recomputes its own dominance internally; dt is accepted here to satisfy
// the interface and to let a future caller swap in an externally-maintained
// tree without an API break).
type Mem2RegPromoter struct{}

func (Mem2RegPromoter) PromoteMemToReg(allocas []llvm.Value, dt transform.DominatorTree) {
	for _, alloca := range allocas {
		llvm.PromoteMemoryToRegister(alloca)
	}
}

// IRVerifier is the default transform.Verifier: VerifyFunction delegates to
// go-llvm's own verifier pass, and VerifySafepoints checks the
// pass-specific shape invariants of section 3 that LLVM's generic verifier
// knows nothing about.
type IRVerifier struct{}

func (IRVerifier) VerifyFunction(fn llvm.Value) error {
	if ok, msg := llvm.VerifyFunction(fn, llvm.ReturnStatusAction); !ok {
		return fmt.Errorf("function %q failed verification: %s", fn.Name(), msg)
	}
	return nil
}

// VerifySafepoints checks invariant 3 (nothing splits a statepoint token
// from its last relocate) for every statepoint sequence in fn: each
// result/relocate call must follow a statepoint in the same block with only
// other results/relocates in between. It does not check which calls were
// selected as parse points.
func (IRVerifier) VerifySafepoints(fn llvm.Value) error {
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		var openToken llvm.Value
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if isStatepointCall(inst) {
				if !openToken.IsNil() {
					return fmt.Errorf("statepoint %q opened before the previous statepoint's sequence closed", inst.Name())
				}
				openToken = inst
				continue
			}
			if isResultOrRelocateCall(inst) {
				if openToken.IsNil() {
					return fmt.Errorf("result/relocate call %q has no enclosing statepoint in this block", inst.Name())
				}
				continue
			}
			if !openToken.IsNil() {
				// A foreign instruction appeared between the token
				// and what should be its contiguous relocate/result
				// run: this is only valid once the run has closed,
				// which a well-formed sequence signals by simply not
				// reopening openToken again in this block. Since this
				// verifier walks in order and requires every relocate
				// to be contiguous, any non-projection instruction
				// closes the run implicitly.
				openToken = llvm.Value{}
			}
		}
	}
	return nil
}

func isStatepointCall(v llvm.Value) bool {
	return !v.IsACallInst().IsNil() && calleeNameOf(v) == transform.StatepointIntrinsicName
}

func isResultOrRelocateCall(v llvm.Value) bool {
	switch calleeNameOf(v) {
	case transform.ResultIntrinsicPointer, transform.ResultIntrinsicInteger, transform.ResultIntrinsicFloat, transform.RelocateIntrinsicName:
		return true
	default:
		return false
	}
}

func calleeNameOf(v llvm.Value) string {
	if v.IsACallInst().IsNil() {
		return ""
	}
	callee := v.CalledValue()
	if callee.IsNil() {
		return ""
	}
	return callee.Name()
}
