package dbrew

import (
	"io"
	"log"

	"github.com/spf13/pflag"
)

// Default capacities.
const (
	DefaultDecodeInstrCapacity  = 500
	DefaultDecodeBlockCapacity  = 50
	DefaultCaptureInstrCapacity = 500
	DefaultCaptureBlockCapacity = 50
	DefaultCodeCapacity         = 3000
	DefaultSnapshotCapacity     = 20
	DefaultWorklistDepth        = 20
	DefaultStackSize            = 1024
	DefaultMaxSteps             = 1000000
)

// Config holds the capacities and verbosity of a Rewriter.
type Config struct {
	DecodeInstrCapacity  int
	DecodeBlockCapacity  int
	CaptureInstrCapacity int
	CaptureBlockCapacity int
	CodeCapacity         int // bytes of executable memory
	SnapshotCapacity     int
	WorklistDepth        int
	MaxCallDepth         int
	StackSize            int // bytes of emulated stack
	MaxSteps             int // emulated instructions per rewrite

	// Verbosity. Output goes to the rewriter's logger.
	ShowDecoding  bool
	ShowEmuState  bool
	ShowEmuSteps  bool
	ShowGenerated bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DecodeInstrCapacity:  DefaultDecodeInstrCapacity,
		DecodeBlockCapacity:  DefaultDecodeBlockCapacity,
		CaptureInstrCapacity: DefaultCaptureInstrCapacity,
		CaptureBlockCapacity: DefaultCaptureBlockCapacity,
		CodeCapacity:         DefaultCodeCapacity,
		SnapshotCapacity:     DefaultSnapshotCapacity,
		WorklistDepth:        DefaultWorklistDepth,
		MaxCallDepth:         MaxCallDepth,
		StackSize:            DefaultStackSize,
		MaxSteps:             DefaultMaxSteps,
	}
}

// BindFlags registers command line flags for the configuration.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.DecodeInstrCapacity, "decode-instrs", c.DecodeInstrCapacity, "decoded instruction capacity")
	fs.IntVar(&c.DecodeBlockCapacity, "decode-blocks", c.DecodeBlockCapacity, "decoded block capacity")
	fs.IntVar(&c.CaptureInstrCapacity, "capture-instrs", c.CaptureInstrCapacity, "captured instruction capacity")
	fs.IntVar(&c.CaptureBlockCapacity, "capture-blocks", c.CaptureBlockCapacity, "captured block capacity")
	fs.IntVar(&c.CodeCapacity, "code-size", c.CodeCapacity, "generated code capacity in bytes")
	fs.IntVar(&c.SnapshotCapacity, "snapshots", c.SnapshotCapacity, "emulator snapshot capacity")
	fs.IntVar(&c.WorklistDepth, "worklist", c.WorklistDepth, "worklist depth")
	fs.IntVar(&c.MaxCallDepth, "call-depth", c.MaxCallDepth, "maximum inlining depth")
	fs.IntVar(&c.StackSize, "stack-size", c.StackSize, "emulated stack size in bytes")
	fs.IntVar(&c.MaxSteps, "max-steps", c.MaxSteps, "maximum emulated instructions")
	fs.BoolVar(&c.ShowDecoding, "show-decoding", c.ShowDecoding, "print decoded blocks")
	fs.BoolVar(&c.ShowEmuState, "show-state", c.ShowEmuState, "print emulator state after each instruction")
	fs.BoolVar(&c.ShowEmuSteps, "show-steps", c.ShowEmuSteps, "print each emulated instruction")
	fs.BoolVar(&c.ShowGenerated, "show-gen", c.ShowGenerated, "print the layout of generated code")
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithConfig sets the configuration of a Rewriter.
func WithConfig(c Config) Option {
	return func(r *Rewriter) { r.config = c }
}

// WithLogger sets the logger verbose output is written to.
func WithLogger(l *log.Logger) Option {
	return func(r *Rewriter) { r.logger = l }
}

// WithMemory sets the address space code and static data are read from.
// Defaults to the memory of the current process.
func WithMemory(m Memory) Option {
	return func(r *Rewriter) { r.mem = m }
}

// WithSearcher sets the strategy used to pick the next captured block.
func WithSearcher(s Searcher) Option {
	return func(r *Rewriter) { r.searcher = s }
}

// discardLogger is used when no logger is configured.
var discardLogger = log.New(io.Discard, "", 0)
