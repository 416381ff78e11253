package transform

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
	"tinygo.org/x/go-llvm"
)

// VerifyLevel controls how aggressively the pass re-verifies IR around
// phase boundaries. Higher levels catch bugs earlier at the cost of compile
// time; section 6's enumerated option table.
type VerifyLevel int

const (
	// VerifyNone runs no IR verification at all.
	VerifyNone VerifyLevel = iota
	// VerifyEntryExit verifies pre- and post-conditions of the whole pass.
	VerifyEntryExit
	// VerifyEachPhase additionally verifies after each major phase (poll
	// insertion, base resolution, materialization, rewriting).
	VerifyEachPhase
	// VerifyFineGrained runs the same checks as VerifyEachPhase; the pass
	// has no verification points beyond the per-phase ones.
	VerifyFineGrained
)

// Config holds every tunable named in section 6 of the spec. The zero value
// is not a usable configuration - use DefaultConfig.
type Config struct {
	VerifyLevel VerifyLevel `yaml:"verifyLevel"`

	// AllBackedges disables the finite-loop pruning in PollSiteSelector:
	// every loop backedge gets a poll, even ones with a provable finite
	// trip count. Useful for validation.
	AllBackedges bool `yaml:"allBackedges"`

	// BaseRewriteOnly stops the pipeline after the BasePointerResolver
	// phase, for isolating base-pointer bugs in isolation from
	// materialization and rewriting.
	BaseRewriteOnly bool `yaml:"baseRewriteOnly"`

	// AllFunctions treats every function as opted into every safepoint
	// class, regardless of its attributes, and relaxes the
	// BaseDefiningValue classifier to permit globals and stack slots as
	// base sources. Test mode only - never set this for a real frontend.
	AllFunctions bool `yaml:"allFunctions"`

	// UseAbstractState includes the language-level deopt state operands
	// (caller depth, bytecode index, stack/local/monitor counts and
	// values) in each statepoint, looked up via the gc.vm_state marker
	// convention (SPEC_FULL.md section 5).
	UseAbstractState bool `yaml:"useAbstractState"`

	// NoEntry, NoBackedge, NoCall independently disable a class of
	// safepoint regardless of function attributes.
	NoEntry    bool `yaml:"noEntry"`
	NoBackedge bool `yaml:"noBackedge"`
	NoCall     bool `yaml:"noCall"`

	// DataflowLiveness selects LivenessEngine's global (iterative
	// worklist) mode over its default local (on-demand, per-site
	// reachability) mode.
	DataflowLiveness bool `yaml:"dataflowLiveness"`

	// Trace, if non-nil, receives one line of human-readable tracing per
	// notable pass event (poll placement, base-phi insertion, relocation
	// rewrite). Mirrors -spp-trace from original_source. Command-line
	// plumbing to populate this is explicitly out of scope for this pass
	// (section 1) - callers wire it however their own CLI does.
	Trace io.Writer
}

// DefaultConfig returns the configuration a production frontend should use:
// every verification and debugging knob off except entry/exit IR
// verification, finite-loop pruning enabled, abstract state included, and
// liveness computed on demand rather than as a whole-function dataflow pass.
func DefaultConfig() Config {
	return Config{
		VerifyLevel:      VerifyEntryExit,
		UseAbstractState: true,
	}
}

// entrySafepointsWanted reports whether fn opts into entry safepoints under
// this configuration (section 4.A).
func (c Config) entrySafepointsWanted(fn llvm.Value) bool {
	if c.NoEntry {
		return false
	}
	return c.AllFunctions || functionHasAttr(fn, AttrEntrySafepoints)
}

func (c Config) backedgeSafepointsWanted(fn llvm.Value) bool {
	if c.NoBackedge {
		return false
	}
	return c.AllFunctions || functionHasAttr(fn, AttrBackedgeSafepoints)
}

func (c Config) callSafepointsWanted(fn llvm.Value) bool {
	if c.NoCall {
		return false
	}
	return c.AllFunctions || functionHasAttr(fn, AttrCallSafepoints)
}

// LoadConfig decodes a YAML configuration document (the on-disk form of
// Config, section 6) from r, starting from DefaultConfig so that omitted
// fields keep their production default.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("transform: decode config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile is a convenience wrapper around LoadConfig for the common
// case of a config file on disk.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("transform: open config: %w", err)
	}
	defer f.Close()
	return LoadConfig(f)
}
