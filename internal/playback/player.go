package playback

import "sync"

// Player owns the single session bound to one presentation surface. Switching
// channels always tears the previous session down before the next one binds,
// so a surface never has two live pipelines.
type Player struct {
	rt   Runtime
	opts Options

	mu      sync.Mutex
	current *Session
}

// NewPlayer returns a Player whose sessions use rt and opts.
func NewPlayer(rt Runtime, opts Options) *Player {
	return &Player{rt: rt, opts: opts}
}

// Switch tears down the current session, if any, and starts one for d.
func (p *Player) Switch(d StreamDescriptor) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		p.current.Teardown()
		p.current = nil
	}

	s, err := NewSession(d, p.rt, p.opts)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	p.current = s
	return s, nil
}

// Stop tears down the current session. It is safe to call repeatedly.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.Teardown()
		p.current = nil
	}
}

// Current returns the active session or nil.
func (p *Player) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
