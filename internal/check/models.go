package check

import (
	"errors"

	"iptv-playback/internal/playback"
)

// Request is the body of POST /playback/check.
type Request struct {
	URL       string `json:"url"`
	Kind      string `json:"kind"`
	Container string `json:"container"`
}

// Result is what a check reports back. Error codes stay in the logs.
type Result struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Strategy  string `json:"strategy,omitempty"`
	Source    string `json:"source,omitempty"`
	Attempts  int    `json:"attempts"`
	Message   string `json:"message,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// ErrCheckTimeout is returned when a session neither plays nor exhausts its
// candidates before the check deadline.
var ErrCheckTimeout = errors.New("playback check timed out")

// Summarize reports a snapshot as a Result. Attempts counts candidates that
// were bound or tried, so an exhausted session reports all of them.
func Summarize(snap playback.Snapshot) Result {
	res := Result{SessionID: snap.ID, State: string(snap.State)}
	n := len(snap.Candidates)
	res.Attempts = snap.ActiveIndex + 1
	if res.Attempts > n {
		res.Attempts = n
	}
	if snap.ActiveIndex < n {
		res.Strategy = string(snap.Candidates[snap.ActiveIndex])
	}
	if snap.State == playback.StatePlaying || snap.State == playback.StateStalled {
		res.Source = snap.Source
	}
	return res
}
