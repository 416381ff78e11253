package transform_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinygo-org/tinygo-safepoint/internal/domtree"
	"github.com/tinygo-org/tinygo-safepoint/transform"
	"tinygo.org/x/go-llvm"
)

// TestInlinePollSplicesBodyAndFindsParsePoint covers 4.B: a poll function
// whose body makes one call to the runtime transition point gets spliced in
// before loc, and that call comes back as the sole parse point.
func TestInlinePollSplicesBodyAndFindsParsePoint(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("pollinline")
	voidTy := ctx.VoidType()

	transitionType := llvm.FunctionType(voidTy, nil, false)
	transitionFn := llvm.AddFunction(mod, "runtime_transition", transitionType)

	pollFn := llvm.AddFunction(mod, transform.PollFunctionName, llvm.FunctionType(voidTy, nil, false))
	pollEntry := llvm.AddBasicBlock(pollFn, "entry")
	pb := ctx.NewBuilder()
	pb.SetInsertPointAtEnd(pollEntry)
	pb.CreateCall(transitionType, transitionFn, nil, "")
	pb.CreateRetVoid()
	pb.Dispose()

	fn := llvm.AddFunction(mod, "f", llvm.FunctionType(voidTy, nil, false))
	entry := llvm.AddBasicBlock(fn, "entry")
	fb := ctx.NewBuilder()
	fb.SetInsertPointAtEnd(entry)
	ret := fb.CreateRetVoid()
	fb.Dispose()

	dt := domtree.New(fn)
	parsePoints, err := transform.InlinePoll(mod, dt, domtree.FunctionInliner{}, ret)
	require.NoError(t, err)
	require.Len(t, parsePoints, 1)
	assert.Equal(t, "runtime_transition", parsePoints[0].CalledValue().Name())
}

// TestInlinePollRejectsMissingPollFunction covers the ConfigError path: no
// gc.safepoint_poll defined in the module at all.
func TestInlinePollRejectsMissingPollFunction(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	mod := ctx.NewModule("nopoll")
	voidTy := ctx.VoidType()

	fn := llvm.AddFunction(mod, "f", llvm.FunctionType(voidTy, nil, false))
	entry := llvm.AddBasicBlock(fn, "entry")
	b := ctx.NewBuilder()
	b.SetInsertPointAtEnd(entry)
	ret := b.CreateRetVoid()
	b.Dispose()

	dt := domtree.New(fn)
	_, err := transform.InlinePoll(mod, dt, domtree.FunctionInliner{}, ret)
	require.Error(t, err)
	var cfgErr *transform.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
