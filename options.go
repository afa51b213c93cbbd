package tupl

import "time"

// Options configures a Database at Open time. Functional-options
// constructors are layered over a plain struct so internal/config's TOML
// loader (see SPEC_FULL.md Ambient Stack) and programmatic callers share
// one representation.
type Options struct {
	PageSize int // bytes per page, default 4096, power of two, >= 512

	MinCacheSize int // node cache lower bound, in nodes
	MaxCacheSize int // node cache upper bound, in nodes

	DurabilityMode DurabilityMode
	LockTimeout    time.Duration

	CheckpointRate          time.Duration
	CheckpointSizeThreshold int64 // dirty-page bytes that force an early checkpoint

	DirectPageAccess bool // advisory; this implementation always uses managed buffers

	BaseFile string // path prefix for the page and redo files

	ReadOnly bool

	EventListener      EventListener
	ReplicationManager ReplicationManager
}

// Option mutates an Options value, following the functional-options idiom.
type Option func(*Options)

// DefaultOptions returns the baseline configuration.
func DefaultOptions(baseFile string) *Options {
	return &Options{
		PageSize:                4096,
		MinCacheSize:            1000,
		MaxCacheSize:            10000,
		DurabilityMode:          DurabilitySync,
		LockTimeout:             500 * time.Millisecond,
		CheckpointRate:          time.Second,
		CheckpointSizeThreshold: 64 << 20,
		BaseFile:                baseFile,
	}
}

func WithPageSize(n int) Option                  { return func(o *Options) { o.PageSize = n } }
func WithCacheSize(min, max int) Option          { return func(o *Options) { o.MinCacheSize, o.MaxCacheSize = min, max } }
func WithDurabilityMode(m DurabilityMode) Option { return func(o *Options) { o.DurabilityMode = m } }
func WithLockTimeout(d time.Duration) Option     { return func(o *Options) { o.LockTimeout = d } }
func WithCheckpointRate(d time.Duration) Option  { return func(o *Options) { o.CheckpointRate = d } }
func WithReadOnly() Option                       { return func(o *Options) { o.ReadOnly = true } }
func WithEventListener(l EventListener) Option   { return func(o *Options) { o.EventListener = l } }
func WithReplicationManager(r ReplicationManager) Option {
	return func(o *Options) { o.ReplicationManager = r }
}

func (o *Options) apply(opts ...Option) *Options {
	for _, fn := range opts {
		fn(o)
	}
	return o
}
