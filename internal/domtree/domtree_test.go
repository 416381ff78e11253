package domtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/go-llvm"
)

// buildDiamond builds:
//
//	entry -> (left, right) -> join -> ret
func buildDiamond(t *testing.T) (llvm.Context, llvm.Value, map[string]llvm.BasicBlock) {
	t.Helper()
	ctx := llvm.NewContext()
	mod := ctx.NewModule("diamond")
	fn := llvm.AddFunction(mod, "f", llvm.FunctionType(ctx.VoidType(), []llvm.Type{ctx.Int1Type()}, false))

	blocks := map[string]llvm.BasicBlock{
		"entry": llvm.AddBasicBlock(fn, "entry"),
		"left":  llvm.AddBasicBlock(fn, "left"),
		"right": llvm.AddBasicBlock(fn, "right"),
		"join":  llvm.AddBasicBlock(fn, "join"),
	}

	builder := ctx.NewBuilder()
	defer builder.Dispose()

	builder.SetInsertPointAtEnd(blocks["entry"])
	builder.CreateCondBr(fn.Param(0), blocks["left"], blocks["right"])

	builder.SetInsertPointAtEnd(blocks["left"])
	builder.CreateBr(blocks["join"])

	builder.SetInsertPointAtEnd(blocks["right"])
	builder.CreateBr(blocks["join"])

	builder.SetInsertPointAtEnd(blocks["join"])
	builder.CreateRetVoid()

	return ctx, fn, blocks
}

func TestTreeDominanceOnDiamond(t *testing.T) {
	ctx, fn, blocks := buildDiamond(t)
	defer ctx.Dispose()

	tree := New(fn)

	assert.True(t, tree.Dominates(blocks["entry"], blocks["left"]))
	assert.True(t, tree.Dominates(blocks["entry"], blocks["right"]))
	assert.True(t, tree.Dominates(blocks["entry"], blocks["join"]))
	assert.False(t, tree.Dominates(blocks["left"], blocks["right"]), "siblings do not dominate each other")
	assert.False(t, tree.Dominates(blocks["left"], blocks["join"]), "join has two predecessors, so neither alone dominates it")

	idom, ok := tree.ImmediateDominator(blocks["join"])
	require.True(t, ok)
	assert.Equal(t, blocks["entry"], idom, "join's immediate dominator is entry, not either branch")
}

// buildCountedLoop builds a loop counting i from 0 to 10 by 1, with no call
// in the body, matching scenario S3 from the testable-properties section.
func buildCountedLoop(t *testing.T) (llvm.Context, llvm.Value, map[string]llvm.BasicBlock) {
	t.Helper()
	ctx := llvm.NewContext()
	mod := ctx.NewModule("countedloop")
	fn := llvm.AddFunction(mod, "f", llvm.FunctionType(ctx.VoidType(), nil, false))

	blocks := map[string]llvm.BasicBlock{
		"entry": llvm.AddBasicBlock(fn, "entry"),
		"header": llvm.AddBasicBlock(fn, "header"),
		"body":   llvm.AddBasicBlock(fn, "body"),
		"exit":   llvm.AddBasicBlock(fn, "exit"),
	}

	builder := ctx.NewBuilder()
	defer builder.Dispose()
	i32 := ctx.Int32Type()

	builder.SetInsertPointAtEnd(blocks["entry"])
	builder.CreateBr(blocks["header"])

	builder.SetInsertPointAtEnd(blocks["header"])
	phi := builder.CreatePHI(i32, "i")
	cmp := builder.CreateICmp(llvm.IntSLT, phi, llvm.ConstInt(i32, 10, false), "cmp")
	builder.CreateCondBr(cmp, blocks["body"], blocks["exit"])

	builder.SetInsertPointAtEnd(blocks["body"])
	next := builder.CreateAdd(phi, llvm.ConstInt(i32, 1, false), "next")
	builder.CreateBr(blocks["header"])

	phi.AddIncoming([]llvm.Value{llvm.ConstInt(i32, 0, false), next}, []llvm.BasicBlock{blocks["entry"], blocks["body"]})

	builder.SetInsertPointAtEnd(blocks["exit"])
	builder.CreateRetVoid()

	return ctx, fn, blocks
}

func TestLoopInfoFindsBackedgeAndTripCount(t *testing.T) {
	ctx, fn, blocks := buildCountedLoop(t)
	defer ctx.Dispose()

	tree := New(fn)
	info := NewInfo(tree)
	loops := info.Loops(fn)
	require.Len(t, loops, 1)

	loop := loops[0]
	assert.Equal(t, blocks["header"], loop.Header())
	require.Len(t, loop.Latches(), 1)
	assert.Equal(t, blocks["body"], loop.Latches()[0])
	assert.True(t, loop.Contains(blocks["body"]))
	assert.False(t, loop.Contains(blocks["exit"]))

	count, known := loop.TripCount()
	require.True(t, known)
	assert.EqualValues(t, 10, count)
}
