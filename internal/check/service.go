package check

import (
	"context"
	"fmt"
	"time"

	"iptv-playback/internal/platform/metrics"
	"iptv-playback/internal/playback"
)

// DefaultTimeout bounds a check when none is configured.
const DefaultTimeout = 45 * time.Second

// Service runs headless playback sessions until they either play or run out
// of candidates.
type Service struct {
	rt      playback.Runtime
	opts    playback.Options
	timeout time.Duration
	reg     *Registry
	metrics *metrics.Metrics
}

// NewService returns a Service binding sessions to rt. Metrics may be nil.
// If timeout <= 0, DefaultTimeout is used.
func NewService(rt playback.Runtime, opts playback.Options, timeout time.Duration, reg *Registry, m *metrics.Metrics) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if reg == nil {
		reg = NewRegistry()
	}
	return &Service{rt: rt, opts: opts, timeout: timeout, reg: reg, metrics: m}
}

// Registry returns the registry tracking in-flight checks.
func (s *Service) Registry() *Registry { return s.reg }

// Check plays d until the session settles and returns the settled snapshot.
// The session is always torn down before Check returns.
func (s *Service) Check(ctx context.Context, d playback.StreamDescriptor) (playback.Snapshot, error) {
	settled := make(chan struct{}, 1)
	opts := s.opts
	next := opts.Listener
	opts.Listener = func(tr playback.Transition) {
		if s.metrics != nil {
			s.metrics.IncTransition(string(tr.To))
		}
		if next != nil {
			next(tr)
		}
		if tr.To == playback.StatePlaying || tr.To == playback.StateExhausted {
			select {
			case settled <- struct{}{}:
			default:
			}
		}
	}

	sess, err := playback.NewSession(d, s.rt, opts)
	if err != nil {
		return playback.Snapshot{}, err
	}
	s.reg.Add(sess)
	defer s.reg.Remove(sess.ID())
	defer sess.Teardown()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := sess.Start(); err != nil {
		return sess.Snapshot(), err
	}

	select {
	case <-settled:
		return sess.Snapshot(), nil
	case <-ctx.Done():
		return sess.Snapshot(), fmt.Errorf("%w: %w", ErrCheckTimeout, ctx.Err())
	}
}

// NewRuntime describes the headless surface: every strategy kind except the
// native overlay is served by eng. A nil relay means the checks run
// CORS-free, the way the native shell does.
func NewRuntime(eng playback.Engine, relay func(string) string) playback.Runtime {
	rt := playback.Runtime{
		Capabilities: playback.Capabilities{
			SegmentedMediaSource: true,
			NativeHLS:            true,
		},
		Native: relay == nil,
		Relay:  relay,
		Engines: map[playback.StrategyKind]playback.Engine{
			playback.StrategySegmented: eng,
			playback.StrategyNativeHLS: eng,
			playback.StrategyDirect:    eng,
		},
	}
	return rt
}
