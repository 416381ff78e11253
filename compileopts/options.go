// Package compileopts holds the configuration surface a frontend uses to
// drive the gc-safepoints transform: the per-function attribute names it
// must set to opt functions into safepoint classes, and the command-line
// flag set a caller like cmd/gc-safepoints exposes over transform.Config.
package compileopts

import (
	"flag"

	"github.com/tinygo-org/tinygo-safepoint/transform"
)

// Function attribute names re-exported from transform for frontends that
// depend only on compileopts and not on transform itself.
const (
	AttrEntrySafepoints    = transform.AttrEntrySafepoints
	AttrBackedgeSafepoints = transform.AttrBackedgeSafepoints
	AttrCallSafepoints     = transform.AttrCallSafepoints
	AttrLeafFunction       = transform.AttrLeafFunction
)

// Options is the flag-parsed form of transform.Config, for cmd/gc-safepoints
// and any other CLI frontend that wants the same flag names and defaults.
type Options struct {
	ConfigFile       string
	VerifyLevel      int
	AllBackedges     bool
	BaseRewriteOnly  bool
	AllFunctions     bool
	UseAbstractState bool
	NoEntry          bool
	NoBackedge       bool
	NoCall           bool
	DataflowLiveness bool
	TracePath        string
}

// RegisterFlags adds every Options field to fs as a command-line flag.
func RegisterFlags(fs *flag.FlagSet, opts *Options) {
	fs.StringVar(&opts.ConfigFile, "config", "", "YAML configuration file (overrides the flags below when both are set)")
	fs.IntVar(&opts.VerifyLevel, "verify", int(transform.VerifyEntryExit), "IR verification level: 0=none 1=entry/exit 2=each phase 3=fine-grained")
	fs.BoolVar(&opts.AllBackedges, "all-backedges", false, "insert a poll on every loop backedge, even provably finite ones")
	fs.BoolVar(&opts.BaseRewriteOnly, "base-rewrite-only", false, "stop after base-pointer resolution, for isolating base-pointer bugs")
	fs.BoolVar(&opts.AllFunctions, "all-functions", false, "treat every function as opted into every safepoint class (test mode)")
	fs.BoolVar(&opts.UseAbstractState, "abstract-state", true, "include language-level deopt state operands in each statepoint")
	fs.BoolVar(&opts.NoEntry, "no-entry", false, "disable entry safepoints")
	fs.BoolVar(&opts.NoBackedge, "no-backedge", false, "disable backedge safepoints")
	fs.BoolVar(&opts.NoCall, "no-call", false, "disable call safepoints")
	fs.BoolVar(&opts.DataflowLiveness, "dataflow-liveness", false, "compute liveness as a whole-function dataflow pass instead of on demand")
	fs.StringVar(&opts.TracePath, "trace", "", "write one line of human-readable tracing per notable pass event to this file")
}

// ToConfig converts the parsed flags into a transform.Config, without
// opening TracePath (the caller owns that file's lifecycle and sets
// Config.Trace itself once it has an io.Writer open).
func (o Options) ToConfig() transform.Config {
	return transform.Config{
		VerifyLevel:      transform.VerifyLevel(o.VerifyLevel),
		AllBackedges:     o.AllBackedges,
		BaseRewriteOnly:  o.BaseRewriteOnly,
		AllFunctions:     o.AllFunctions,
		UseAbstractState: o.UseAbstractState,
		NoEntry:          o.NoEntry,
		NoBackedge:       o.NoBackedge,
		NoCall:           o.NoCall,
		DataflowLiveness: o.DataflowLiveness,
	}
}
