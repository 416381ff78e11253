package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/go-llvm"
)

func TestNeedsStatepointSkipsLeafFunction(t *testing.T) {
	ctx, mod := newTestModule("leaf")
	defer ctx.Dispose()
	leaf := declareFunction(mod, "leaf", ctx.VoidType(), nil)
	leaf.AddFunctionAttr(llvm.CreateStringAttribute(ctx, AttrLeafFunction, "true"))

	caller := declareFunction(mod, "caller", ctx.VoidType(), nil)
	entry := appendBlock(ctx, caller, "entry")
	builder := ctx.NewBuilder()
	defer builder.Dispose()
	builder.SetInsertPointAtEnd(entry)
	call := builder.CreateCall(llvm.FunctionType(ctx.VoidType(), nil, false), leaf, nil, "")
	builder.CreateRetVoid()

	assert.False(t, NeedsStatepoint(call))
}

func TestNeedsStatepointAllowsMemcpyIntrinsic(t *testing.T) {
	ctx, mod := newTestModule("memcpy")
	defer ctx.Dispose()
	memcpyType := llvm.FunctionType(ctx.VoidType(), []llvm.Type{llvm.PointerType(ctx.Int8Type(), 0), llvm.PointerType(ctx.Int8Type(), 0), ctx.Int64Type()}, false)
	memcpy := llvm.AddFunction(mod, "llvm.memcpy.p0.p0.i64", memcpyType)

	fn := declareFunction(mod, "f", ctx.VoidType(), nil)
	entry := appendBlock(ctx, fn, "entry")
	builder := ctx.NewBuilder()
	defer builder.Dispose()
	builder.SetInsertPointAtEnd(entry)
	nullPtr := llvm.ConstPointerNull(llvm.PointerType(ctx.Int8Type(), 0))
	call := builder.CreateCall(memcpyType, memcpy, []llvm.Value{nullPtr, nullPtr, llvm.ConstInt(ctx.Int64Type(), 0, false)}, "")
	builder.CreateRetVoid()

	// A real frontend emits the type-mangled form "llvm.memcpy.p0.p0.i64";
	// NeedsStatepoint's mem* allowlist matches it by base name, so the call
	// still needs a statepoint even though it is an intrinsic.
	assert.True(t, NeedsStatepoint(call), "a mangled memcpy intrinsic is on the mem* allowlist and needs a statepoint")
}

func TestNeedsStatepointDefaultsTrueForOrdinaryCall(t *testing.T) {
	ctx, mod := newTestModule("ordinary")
	defer ctx.Dispose()
	callee := declareFunction(mod, "helper", ctx.VoidType(), nil)
	fn := declareFunction(mod, "f", ctx.VoidType(), nil)
	entry := appendBlock(ctx, fn, "entry")
	builder := ctx.NewBuilder()
	defer builder.Dispose()
	builder.SetInsertPointAtEnd(entry)
	call := builder.CreateCall(llvm.FunctionType(ctx.VoidType(), nil, false), callee, nil, "")
	builder.CreateRetVoid()

	assert.True(t, NeedsStatepoint(call))
}

func TestSelectEntryPollStopsAtSplit(t *testing.T) {
	ctx, mod := newTestModule("entry")
	defer ctx.Dispose()
	fn := declareFunction(mod, "f", ctx.VoidType(), []llvm.Type{ctx.Int1Type()})
	entry := appendBlock(ctx, fn, "entry")
	mid := appendBlock(ctx, fn, "mid")
	left := appendBlock(ctx, fn, "left")
	right := appendBlock(ctx, fn, "right")

	builder := ctx.NewBuilder()
	defer builder.Dispose()

	builder.SetInsertPointAtEnd(entry)
	builder.CreateBr(mid)

	builder.SetInsertPointAtEnd(mid)
	builder.CreateCondBr(fn.Param(0), left, right)

	builder.SetInsertPointAtEnd(left)
	builder.CreateRetVoid()
	builder.SetInsertPointAtEnd(right)
	builder.CreateRetVoid()

	loc := selectEntryPoll(fn)
	require.False(t, loc.IsNil())
	assert.Equal(t, mid, loc.InstructionParent(), "the entry poll should sit at the first split, not before it")
}

func TestCheckSupportedCFGRejectsIndirectBr(t *testing.T) {
	ctx, mod := newTestModule("indirectbr")
	defer ctx.Dispose()
	fn := declareFunction(mod, "f", ctx.VoidType(), nil)
	entry := appendBlock(ctx, fn, "entry")
	target := appendBlock(ctx, fn, "target")

	builder := ctx.NewBuilder()
	defer builder.Dispose()
	builder.SetInsertPointAtEnd(entry)
	blockAddr := llvm.BlockAddress(fn, target)
	ibr := builder.CreateIndirectBr(blockAddr, 1)
	ibr.AddDestination(target)

	builder.SetInsertPointAtEnd(target)
	builder.CreateRetVoid()

	err := checkSupportedCFG(fn)
	require.Error(t, err)
	var precondErr *PreconditionError
	assert.ErrorAs(t, err, &precondErr)
}
