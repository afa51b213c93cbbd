package tupl

// EventListener is one of the only three things the core may depend on,
// alongside PageArray and an optional ReplicationManager. It receives
// structured notifications of things an operator might want to log or
// graph, without the core importing a logging or metrics library directly.
//
// internal/zaplistener and internal/metrics each implement this interface
// against zap and prometheus respectively (see SPEC_FULL.md Ambient
// Stack); tests and embedders needing nothing can pass NoopListener{}.
type EventListener interface {
	// Checkpoint reports the lifecycle of one checkpoint cycle: category
	// is e.g. "begin", "flush", "complete"; message is a
	// human-readable summary; fields carries structured detail (redo
	// position, dirty page count, duration).
	Checkpoint(category, message string, fields map[string]interface{})

	// Recovery reports one step of startup recovery.
	Recovery(category, message string, fields map[string]interface{})

	// LockWait reports a lock acquisition that blocked, win or lose.
	LockWait(result LockResult, key LockKey, waited bool)

	// Cache reports node-cache pressure events (eviction, NO_EVICT stall).
	Cache(category string, fields map[string]interface{})

	// Panic reports that the database entered a panicked state.
	Panic(cause error)
}

// NoopListener implements EventListener by discarding everything.
type NoopListener struct{}

func (NoopListener) Checkpoint(string, string, map[string]interface{}) {}
func (NoopListener) Recovery(string, string, map[string]interface{})   {}
func (NoopListener) LockWait(LockResult, LockKey, bool)                {}
func (NoopListener) Cache(string, map[string]interface{})              {}
func (NoopListener) Panic(error)                                       {}
