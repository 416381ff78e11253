package transform

import "tinygo.org/x/go-llvm"

// gcPtrType returns i8 addrspace(1)*, the GC pointer type every test
// fixture in this package uses.
func gcPtrType(ctx llvm.Context) llvm.Type {
	return llvm.PointerType(ctx.Int8Type(), GCAddressSpace)
}

// newTestModule creates an empty module in a fresh context, for tests that
// don't need a function body yet.
func newTestModule(name string) (llvm.Context, llvm.Module) {
	ctx := llvm.NewContext()
	mod := ctx.NewModule(name)
	return ctx, mod
}

// declareFunction adds an empty function declaration of the given result
// type over the given parameter types, returning the function value.
func declareFunction(mod llvm.Module, name string, result llvm.Type, params []llvm.Type) llvm.Value {
	fnType := llvm.FunctionType(result, params, false)
	return llvm.AddFunction(mod, name, fnType)
}

// appendBlock appends a new named basic block to fn.
func appendBlock(ctx llvm.Context, fn llvm.Value, name string) llvm.BasicBlock {
	return llvm.AddBasicBlock(fn, name)
}
