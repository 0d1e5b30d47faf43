package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a playback session state.
type State string

const (
	StateIdle            State = "idle"
	StateLoading         State = "loading"
	StatePlaying         State = "playing"
	StateStalled         State = "stalled"
	StateRecovering      State = "recovering"
	StateFailedCandidate State = "failed-candidate"
	StateExhausted       State = "exhausted"
)

const (
	DefaultRetryBudget    = 3
	DefaultStartupTimeout = 12 * time.Second
)

// Transition records one state change.
type Transition struct {
	SessionID string
	From      State
	To        State
	Index     int
	Strategy  StrategyKind
	Err       *ErrorInfo
	At        time.Time
}

// Options tune a session. Zero values select the defaults.
type Options struct {
	// RetryBudget bounds in-place media recoveries per candidate.
	RetryBudget int
	// StartupTimeout fails a candidate that has not reached playing in time.
	StartupTimeout time.Duration
	Logger         *slog.Logger
	// Listener receives every transition. It runs with the session locked and
	// must not call back into the session.
	Listener func(Transition)
	// AfterFunc schedules the startup timeout; tests replace it.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

func (o Options) withDefaults() Options {
	if o.RetryBudget <= 0 {
		o.RetryBudget = DefaultRetryBudget
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = DefaultStartupTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return o
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID          string
	State       State
	ActiveIndex int
	Candidates  []StrategyKind
	Source      string
	LastError   *ErrorInfo
}

// eventStartupTimeout is queued by the startup timer; it only fails the
// candidate if playback has not started by the time it is handled.
const eventStartupTimeout EventType = "startup-timeout"

type queuedEvent struct {
	gen uint64
	ev  Event
}

// Session drives one playback attempt list against the presentation surface.
//
// All mutations run with mu held. Pipeline events are queued and drained by
// whichever goroutine holds mu, so an engine may emit synchronously from Load
// or Recover without deadlocking and events are handled one at a time.
type Session struct {
	id         string
	desc       StreamDescriptor
	rt         Runtime
	candidates []Strategy
	opts       Options
	log        *slog.Logger

	mu        sync.Mutex
	state     State
	active    int
	retries   int
	gen       uint64
	pipeline  Pipeline
	source    Source
	cancel    context.CancelFunc
	ctx       context.Context
	stopTimer func() bool
	lastErr   *ErrorInfo

	qmu   sync.Mutex
	queue []queuedEvent
}

// NewSession classifies d and builds its candidate list for rt.
func NewSession(d StreamDescriptor, rt Runtime, opts Options) (*Session, error) {
	cls := Classify(d)
	return NewSessionWithCandidates(d, rt, Select(d, cls, rt), opts)
}

// NewSessionWithCandidates builds a session over an explicit candidate list.
func NewSessionWithCandidates(d StreamDescriptor, rt Runtime, candidates []Strategy, opts Options) (*Session, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:         id,
		desc:       d,
		rt:         rt,
		candidates: candidates,
		opts:       opts,
		log:        opts.Logger.With(slog.String("session_id", id)),
		state:      StateIdle,
	}, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Candidates returns the strategy kinds in attempt order.
func (s *Session) Candidates() []StrategyKind {
	out := make([]StrategyKind, len(s.candidates))
	for i, c := range s.candidates {
		out[i] = c.Kind
	}
	return out
}

// Start binds the first candidate.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.unlock()
		return ErrNotIdle
	}
	s.log.Info("playback starting",
		slog.String("url_kind", string(s.desc.Kind)),
		slog.Int("candidates", len(s.candidates)))
	s.active = 0
	s.retries = 0
	s.lastErr = nil
	s.bindNextLocked()
	s.drainLocked()
	s.unlock()
	return nil
}

// Teardown releases the bound pipeline and returns to idle. Calling it on an
// idle session does nothing.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.state != StateIdle || s.pipeline != nil {
		s.releaseLocked()
		s.setStateLocked(StateIdle, nil)
	}
	s.unlock()
}

// Retry is the manual retry affordance: it tears down and restarts the whole
// candidate list from the first entry.
func (s *Session) Retry() error {
	s.Teardown()
	return s.Start()
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.unlock()
	return Snapshot{
		ID:          s.id,
		State:       s.state,
		ActiveIndex: s.active,
		Candidates:  s.Candidates(),
		Source:      s.source.URL,
		LastError:   s.lastErr,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.unlock()
	return s.state
}

// dispatch is the emit function handed to pipelines.
func (s *Session) dispatch(gen uint64, ev Event) {
	s.qmu.Lock()
	s.queue = append(s.queue, queuedEvent{gen: gen, ev: ev})
	s.qmu.Unlock()
	s.pump()
}

// unlock releases mu and drains whatever was queued while it was held. Every
// holder of mu must release it this way or an event dispatched meanwhile
// would wait for the next one.
func (s *Session) unlock() {
	s.mu.Unlock()
	s.pump()
}

// pump drains the queue if no other goroutine holds the session. The holder
// always re-checks the queue after unlocking, so no event is stranded.
func (s *Session) pump() {
	for {
		if !s.mu.TryLock() {
			return
		}
		s.drainLocked()
		s.mu.Unlock()

		s.qmu.Lock()
		empty := len(s.queue) == 0
		s.qmu.Unlock()
		if empty {
			return
		}
	}
}

func (s *Session) drainLocked() {
	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			s.qmu.Unlock()
			return
		}
		q := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()
		s.handleLocked(q.gen, q.ev)
	}
}

func (s *Session) handleLocked(gen uint64, ev Event) {
	if gen != s.gen || s.pipeline == nil {
		s.log.Debug("dropping stale pipeline event", slog.String("event", string(ev.Type)))
		return
	}

	switch ev.Type {
	case EventManifestReady:
		if err := s.pipeline.Play(s.ctx); err != nil {
			s.log.Debug("play request rejected", slog.String("error", err.Error()))
		}
	case EventPlaying:
		s.disarmTimerLocked()
		switch s.state {
		case StateLoading, StateStalled, StateRecovering:
			s.setStateLocked(StatePlaying, nil)
		}
	case EventStalled:
		if s.state == StatePlaying {
			s.setStateLocked(StateStalled, nil)
		}
	case EventEnded:
		s.releaseLocked()
		s.setStateLocked(StateIdle, nil)
	case EventError:
		s.handleErrorLocked(ev.Err)
	case eventStartupTimeout:
		if s.state == StateLoading || s.state == StateRecovering {
			s.handleErrorLocked(ev.Err)
		}
	}
}

func (s *Session) handleErrorLocked(info *ErrorInfo) {
	if info == nil {
		return
	}
	if !info.Fatal {
		s.log.Warn("non-fatal pipeline error",
			slog.String("layer", string(info.Layer)),
			slog.String("code", info.Code))
		return
	}
	s.lastErr = info

	if info.Layer == LayerMedia {
		if s.retries < s.opts.RetryBudget {
			s.retries++
			s.log.Info("recovering media error in place",
				slog.String("code", info.Code),
				slog.Int("attempt", s.retries),
				slog.Int("budget", s.opts.RetryBudget))
			s.setStateLocked(StateRecovering, info)
			s.armTimerLocked()
			if err := s.pipeline.Recover(); err != nil {
				s.advanceLocked(&ErrorInfo{Fatal: true, Layer: LayerTransport, Code: "recover-failed", Detail: err.Error()})
			}
			return
		}
		s.log.Warn("media retry budget exhausted, treating as transport failure",
			slog.String("code", info.Code),
			slog.Int("budget", s.opts.RetryBudget))
		info = &ErrorInfo{Fatal: true, Layer: LayerTransport, Code: info.Code, Detail: info.Detail}
		s.lastErr = info
	}

	s.advanceLocked(info)
}

// advanceLocked abandons the active candidate for good and binds the next one.
func (s *Session) advanceLocked(info *ErrorInfo) {
	s.log.Warn("playback candidate failed",
		slog.Int("index", s.active),
		slog.String("strategy", string(s.candidates[s.active].Kind)),
		slog.String("code", info.Code),
		slog.String("detail", info.Detail))
	s.lastErr = info
	s.setStateLocked(StateFailedCandidate, info)
	s.releaseLocked()
	s.active++
	s.retries = 0
	s.bindNextLocked()
}

// bindNextLocked binds the candidate at s.active, skipping forward over
// candidates that fail to bind, and ends in exhausted when none remain.
func (s *Session) bindNextLocked() {
	for s.active < len(s.candidates) {
		err := s.bindLocked()
		if err == nil {
			return
		}
		info := &ErrorInfo{Fatal: true, Layer: LayerTransport, Code: "bind-failed", Detail: err.Error()}
		s.log.Warn("playback candidate could not be bound",
			slog.Int("index", s.active),
			slog.String("strategy", string(s.candidates[s.active].Kind)),
			slog.String("error", err.Error()))
		s.lastErr = info
		s.setStateLocked(StateFailedCandidate, info)
		s.active++
		s.retries = 0
	}
	s.log.Error("playback exhausted all candidates", slog.Int("candidates", len(s.candidates)))
	s.setStateLocked(StateExhausted, s.lastErr)
}

func (s *Session) bindLocked() error {
	cand := s.candidates[s.active]
	eng := s.rt.Engines[cand.Kind]
	if eng == nil {
		return fmt.Errorf("%w: %s", ErrNoEngine, cand.Kind)
	}

	s.gen++
	gen := s.gen
	p, err := eng.Open(func(ev Event) { s.dispatch(gen, ev) })
	if err != nil {
		return fmt.Errorf("open %s: %w", cand.Kind, err)
	}

	s.pipeline = p
	s.source = Resolve(cand, s.desc, s.rt)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.setStateLocked(StateLoading, nil)
	s.armTimerLocked()

	s.log.Info("binding playback candidate",
		slog.Int("index", s.active),
		slog.String("strategy", string(cand.Kind)),
		slog.Bool("relayed", cand.RelayRequired && s.rt.Relay != nil))

	if err := p.Load(s.source); err != nil {
		s.releaseLocked()
		return fmt.Errorf("load %s: %w", cand.Kind, err)
	}
	return nil
}

// releaseLocked destroys the bound pipeline, if any, and invalidates its events.
func (s *Session) releaseLocked() {
	s.disarmTimerLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.pipeline != nil {
		s.pipeline.Destroy()
		s.pipeline = nil
	}
	s.gen++
}

func (s *Session) armTimerLocked() {
	s.disarmTimerLocked()
	gen := s.gen
	timeout := s.opts.StartupTimeout
	s.stopTimer = s.opts.AfterFunc(timeout, func() {
		ev := TransportError("startup-timeout", fmt.Sprintf("not playing after %s", timeout))
		ev.Type = eventStartupTimeout
		s.dispatch(gen, ev)
	})
}

func (s *Session) disarmTimerLocked() {
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
}

func (s *Session) setStateLocked(to State, info *ErrorInfo) {
	from := s.state
	s.state = to
	if s.opts.Listener == nil {
		return
	}
	t := Transition{
		SessionID: s.id,
		From:      from,
		To:        to,
		Index:     s.active,
		Err:       info,
		At:        time.Now(),
	}
	if s.active < len(s.candidates) {
		t.Strategy = s.candidates[s.active].Kind
	}
	s.opts.Listener(t)
}
