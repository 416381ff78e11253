package transform_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/tinygo-safepoint/internal/domtree"
	"github.com/tinygo-org/tinygo-safepoint/transform"
	"tinygo.org/x/go-llvm"
)

// collaboratorsFor builds the default out-of-scope collaborators for fn,
// the way cmd/gc-safepoints wires them for a real module.
func collaboratorsFor(fn llvm.Value) transform.Collaborators {
	dt := domtree.New(fn)
	return transform.Collaborators{
		DominatorTree: dt,
		LoopInfo:      domtree.NewInfo(dt),
		Inliner:       domtree.FunctionInliner{},
		Promoter:      domtree.Mem2RegPromoter{},
		Verifier:      domtree.IRVerifier{},
	}
}

// callOnlyConfig enables just the call-safepoint class, so these tests
// exercise materialization and rewriting without also pulling in poll
// inlining (section 4.B), which the pollinline tests cover separately.
func callOnlyConfig() transform.Config {
	cfg := transform.DefaultConfig()
	cfg.AllFunctions = true
	cfg.NoEntry = true
	cfg.NoBackedge = true
	return cfg
}

// TestRunReusedArgumentAcrossCall covers scenario S1 end to end through
// Run: a single GC pointer argument live across one call comes back out
// relocated.
func TestRunReusedArgumentAcrossCall(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("s1")
	gcPtr := llvm.PointerType(ctx.Int8Type(), transform.GCAddressSpace)
	voidTy := ctx.VoidType()

	helperType := llvm.FunctionType(voidTy, nil, false)
	helperFn := llvm.AddFunction(mod, "helper", helperType)

	fn := llvm.AddFunction(mod, "f", llvm.FunctionType(gcPtr, []llvm.Type{gcPtr}, false))
	p := fn.Param(0)
	entry := llvm.AddBasicBlock(fn, "entry")
	b := ctx.NewBuilder()
	b.SetInsertPointAtEnd(entry)
	b.CreateCall(helperType, helperFn, nil, "")
	b.CreateRet(p)
	b.Dispose()

	collab := collaboratorsFor(fn)
	result, err := transform.Run(mod, fn, collab, callOnlyConfig())
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	rec := result.Records[0]
	assert.Equal(t, transform.Rewritten, rec.State)
	assert.Equal(t, p, rec.Bases[p], "an argument is its own base")
	require.Len(t, rec.Relocates, 1)

	term := entry.Terminator()
	require.False(t, term.IsNil())
	assert.Equal(t, rec.Relocates[p], term.Operand(0))
}

// TestRunPhiOfTwoDerivedPointersAcrossCall covers scenario S2: a phi
// merging pointers derived from two different arguments forces the
// base-pointer lattice to Conflict, so Run must insert a skeleton base phi
// alongside the original before it can relocate across the call.
func TestRunPhiOfTwoDerivedPointersAcrossCall(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("s2")
	gcPtr := llvm.PointerType(ctx.Int8Type(), transform.GCAddressSpace)
	voidTy := ctx.VoidType()
	i1 := ctx.Int1Type()

	helperType := llvm.FunctionType(voidTy, nil, false)
	helperFn := llvm.AddFunction(mod, "helper", helperType)

	fn := llvm.AddFunction(mod, "f", llvm.FunctionType(gcPtr, []llvm.Type{i1, gcPtr, gcPtr}, false))
	cond, a, other := fn.Param(0), fn.Param(1), fn.Param(2)

	entry := llvm.AddBasicBlock(fn, "entry")
	left := llvm.AddBasicBlock(fn, "left")
	right := llvm.AddBasicBlock(fn, "right")
	join := llvm.AddBasicBlock(fn, "join")

	b := ctx.NewBuilder()
	b.SetInsertPointAtEnd(entry)
	b.CreateCondBr(cond, left, right)

	zero := llvm.ConstInt(ctx.Int32Type(), 0, false)

	b.SetInsertPointAtEnd(left)
	derivedA := b.CreateGEP(ctx.Int8Type(), a, []llvm.Value{zero}, "derived.a")
	b.CreateBr(join)

	b.SetInsertPointAtEnd(right)
	derivedB := b.CreateGEP(ctx.Int8Type(), other, []llvm.Value{zero}, "derived.b")
	b.CreateBr(join)

	b.SetInsertPointAtEnd(join)
	phi := b.CreatePHI(gcPtr, "phi")
	phi.AddIncoming([]llvm.Value{derivedA, derivedB}, []llvm.BasicBlock{left, right})
	b.CreateCall(helperType, helperFn, nil, "")
	b.CreateRet(phi)
	b.Dispose()

	collab := collaboratorsFor(fn)
	result, err := transform.Run(mod, fn, collab, callOnlyConfig())
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	rec := result.Records[0]
	assert.Equal(t, transform.Rewritten, rec.State)

	base, ok := rec.Bases[phi]
	require.True(t, ok, "phi must have a resolved base")
	assert.NotEqual(t, phi, base, "a conflicting phi cannot be its own base - a skeleton must be inserted")
	assert.False(t, base.IsAPHINode().IsNil(), "the synthesized base is itself a phi merging the two arguments' bases")

	term := join.Terminator()
	require.False(t, term.IsNil())
	assert.Equal(t, rec.Relocates[phi], term.Operand(0))
}
