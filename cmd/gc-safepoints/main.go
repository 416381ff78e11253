// Command gc-safepoints reads an LLVM IR module, runs the GC safepoint
// insertion transform over every function opted in via its attributes, and
// writes the transformed module back out.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinygo-org/tinygo-safepoint/compileopts"
	"github.com/tinygo-org/tinygo-safepoint/internal/domtree"
	"github.com/tinygo-org/tinygo-safepoint/transform"
	"tinygo.org/x/go-llvm"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "gc-safepoints:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("gc-safepoints", flag.ExitOnError)
	var opts compileopts.Options
	compileopts.RegisterFlags(fs, &opts)
	output := fs.String("o", "", "output path (defaults to overwriting the input)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: gc-safepoints [flags] <module.ll>")
	}
	inputPath := fs.Arg(0)
	outputPath := *output
	if outputPath == "" {
		outputPath = inputPath
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.TracePath != "" {
		f, err := os.Create(opts.TracePath)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer f.Close()
		cfg.Trace = f
	}

	ctx := llvm.NewContext()
	defer ctx.Dispose()

	buf, err := llvm.NewMemoryBufferFromFile(inputPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", inputPath, err)
	}
	mod, err := ctx.ParseIR(buf)
	if err != nil {
		return fmt.Errorf("parse %s: %w", inputPath, err)
	}
	defer mod.Dispose()

	if err := runOnModule(mod, cfg); err != nil {
		return err
	}

	if err := llvm.WriteBitcodeToFile(mod, outputPath); err != nil {
		return fmt.Errorf("write %s: %w", outputPath, err)
	}
	return nil
}

// loadConfig returns the flag-parsed Options as a Config or, if a YAML
// config file was given, the configuration loaded from that file instead:
// the file then replaces every flag-derived setting (the trace file path is
// applied separately by run).
func loadConfig(opts compileopts.Options) (transform.Config, error) {
	cfg := opts.ToConfig()
	if opts.ConfigFile == "" {
		return cfg, nil
	}
	return transform.LoadConfigFile(opts.ConfigFile)
}

// runOnModule transforms every function in mod, using the default
// domtree/loop/inline/promote/verify collaborators.
func runOnModule(mod llvm.Module, cfg transform.Config) error {
	verifier := domtree.IRVerifier{}
	inliner := domtree.FunctionInliner{}
	promoter := domtree.Mem2RegPromoter{}

	for fn := mod.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
		if fn.BasicBlocksCount() == 0 {
			continue // declaration only
		}
		tree := domtree.New(fn)
		loops := domtree.NewInfo(tree)

		collab := transform.Collaborators{
			DominatorTree: tree,
			LoopInfo:      loops,
			Inliner:       inliner,
			Promoter:      promoter,
			Verifier:      verifier,
		}

		if _, err := transform.Run(mod, fn, collab, cfg); err != nil {
			return fmt.Errorf("function %q: %w", fn.Name(), err)
		}
	}
	return nil
}
