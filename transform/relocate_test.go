package transform_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/tinygo-safepoint/internal/domtree"
	"github.com/tinygo-org/tinygo-safepoint/transform"
	"tinygo.org/x/go-llvm"
)

// TestRelocationRewriterReusedArgument covers 4.F's spill-and-promote
// sequence for scenario S1 (reused argument): a GC pointer argument used both
// across a call and after it must come back from the call rewritten to load
// the relocated value, with every introduced slot eliminated by mem2reg.
func TestRelocationRewriterReusedArgument(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("relocate")
	gcPtr := llvm.PointerType(ctx.Int8Type(), transform.GCAddressSpace)
	voidTy := ctx.VoidType()

	helperType := llvm.FunctionType(voidTy, nil, false)
	helperFn := llvm.AddFunction(mod, "helper", helperType)

	fn := llvm.AddFunction(mod, "f", llvm.FunctionType(gcPtr, []llvm.Type{gcPtr}, false))
	p := fn.Param(0)
	entry := llvm.AddBasicBlock(fn, "entry")
	b := ctx.NewBuilder()
	b.SetInsertPointAtEnd(entry)
	call := b.CreateCall(helperType, helperFn, nil, "")
	b.CreateRet(p)
	b.Dispose()

	dt := domtree.New(fn)
	cfg := transform.DefaultConfig()

	rec := &transform.SafepointRecord{
		Call:  call,
		Live:  []llvm.Value{p},
		Bases: transform.BasePairs{p: p},
		State: transform.BasesResolved,
	}
	require.NoError(t, transform.MaterializeStatepoint(mod, dt, rec, cfg))
	require.Equal(t, transform.Materialized, rec.State)
	require.Len(t, rec.Relocates, 1)

	rewriter := transform.NewRelocationRewriter(domtree.Mem2RegPromoter{}, dt)
	require.NoError(t, rewriter.Rewrite(fn, []*transform.SafepointRecord{rec}))
	assert.Equal(t, transform.Rewritten, rec.State)

	term := entry.Terminator()
	require.False(t, term.IsNil())
	assert.Equal(t, rec.Relocates[p], term.Operand(0), "ret should read the relocated pointer, not the stale argument")

	verifier := domtree.IRVerifier{}
	assert.NoError(t, verifier.VerifyFunction(fn))
	assert.NoError(t, verifier.VerifySafepoints(fn))
}
