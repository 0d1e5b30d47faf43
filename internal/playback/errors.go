package playback

import "errors"

var (
	// ErrNoCandidates is returned when a session is built without candidates.
	ErrNoCandidates = errors.New("no playback candidates")

	// ErrNotIdle is returned by Start on a session that is already running.
	ErrNotIdle = errors.New("playback session is not idle")

	// ErrNoEngine is reported when the runtime has no engine for a strategy kind.
	ErrNoEngine = errors.New("no engine for strategy")
)
