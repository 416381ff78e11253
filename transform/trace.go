package transform

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"tinygo.org/x/go-llvm"
)

// trace writes one formatted line to cfg.Trace if tracing is enabled,
// mirroring -spp-trace from original_source. A nil Trace writer means
// tracing is off; this is the common case and the check is cheap.
func trace(cfg Config, format string, args ...interface{}) {
	if cfg.Trace == nil {
		return
	}
	fmt.Fprintf(cfg.Trace, format+"\n", args...)
}

// dumpConfig controls how verbose go-spew's structure dumps are; indenting
// with two spaces and never following pointers into the llvm.Context keeps
// a live-set dump readable instead of printing the whole module.
var dumpConfig = &spew.ConfigState{
	Indent:                  "  ",
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// traceLiveSet pretty-prints a parse point's live set when cfg.VerifyLevel
// is at least VerifyEachPhase, in the role PrintLiveSet plays in
// original_source: a human-readable dump keyed by value name, not by
// instruction address (which is meaningless across runs).
func traceLiveSet(cfg Config, site llvm.Value, live []llvm.Value) {
	if cfg.Trace == nil || cfg.VerifyLevel < VerifyEachPhase {
		return
	}
	names := valueNames(live)
	fmt.Fprintf(cfg.Trace, "live set at %q:\n%s", site.Name(), dumpConfig.Sdump(names))
}

// traceBasePairs pretty-prints a parse point's resolved base-pair map, the
// role PrintBasePointers plays in original_source.
func traceBasePairs(cfg Config, site llvm.Value, bases BasePairs) {
	if cfg.Trace == nil || cfg.VerifyLevel < VerifyEachPhase {
		return
	}
	pairs := make(map[string]string, len(bases))
	for derived, base := range bases {
		pairs[derived.Name()] = base.Name()
	}
	fmt.Fprintf(cfg.Trace, "base pairs at %q:\n%s", site.Name(), dumpConfig.Sdump(pairs))
}

func valueNames(vs []llvm.Value) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Name()
	}
	return out
}
