package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"tinygo.org/x/go-llvm"
)

// buildStraightLineCall builds: define ptr addrspace(1) @f(ptr addrspace(1) %p) {
//   entry: call void @g()  (parse point)
//          ret ptr addrspace(1) %p
// }
// so %p is live across the call through its use in the ret after it.
func buildStraightLineCall(t *testing.T) (llvm.Context, llvm.Module, llvm.Value, llvm.Value) {
	t.Helper()
	ctx, mod := newTestModule("liveness")
	gcPtr := gcPtrType(ctx)
	g := declareFunction(mod, "g", ctx.VoidType(), nil)
	fn := declareFunction(mod, "f", gcPtr, []llvm.Type{gcPtr})
	entry := appendBlock(ctx, fn, "entry")

	builder := ctx.NewBuilder()
	defer builder.Dispose()
	builder.SetInsertPointAtEnd(entry)
	call := builder.CreateCall(llvm.FunctionType(ctx.VoidType(), nil, false), g, nil, "")
	builder.CreateRet(fn.Param(0))

	return ctx, mod, fn, call
}

func TestLiveAtInstructionFromScratchSeesLaterUse(t *testing.T) {
	ctx, _, fn, call := buildStraightLineCall(t)
	defer ctx.Dispose()

	live := LiveAtInstruction(call, nil)
	assert.True(t, live.has(fn.Param(0)), "the argument returned after the call should be live at the call")
}

func TestComputeLivenessAgreesWithOnDemand(t *testing.T) {
	ctx, _, fn, call := buildStraightLineCall(t)
	defer ctx.Dispose()

	lm := ComputeLiveness(fn)
	onDemand := LiveAtInstruction(call, nil)
	dataflow := LiveAtInstruction(call, lm)

	assert.Equal(t, len(onDemand), len(dataflow))
	for v := range onDemand {
		assert.True(t, dataflow.has(v))
	}
}

func TestApplyInstructionTransferExcludesOwnResult(t *testing.T) {
	ctx, mod := newTestModule("transfer")
	defer ctx.Dispose()
	gcPtr := gcPtrType(ctx)
	fn := declareFunction(mod, "f", gcPtr, []llvm.Type{gcPtr})
	entry := appendBlock(ctx, fn, "entry")
	builder := ctx.NewBuilder()
	defer builder.Dispose()
	builder.SetInsertPointAtEnd(entry)
	gep := builder.CreateGEP(ctx.Int8Type(), fn.Param(0), []llvm.Value{llvm.ConstInt(ctx.Int32Type(), 8, false)}, "derived")
	builder.CreateRet(gep)

	live := newValueSet()
	applyInstructionTransfer(gep, live)
	assert.False(t, live.has(gep), "an instruction never considers its own result live")
}
