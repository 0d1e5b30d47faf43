package playback

import (
	"context"
	"net/url"
	"sync"
	"time"
)

// liveCounter tracks how many pipelines are alive at once across engines.
type liveCounter struct {
	mu  sync.Mutex
	cur int
	max int
}

func (c *liveCounter) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur++
	if c.cur > c.max {
		c.max = c.cur
	}
}

func (c *liveCounter) dec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur--
}

func (c *liveCounter) snapshot() (cur, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur, c.max
}

type fakePipeline struct {
	mu       sync.Mutex
	emit     func(Event)
	live     *liveCounter
	src      Source
	loads    int
	plays    int
	recovers int
	destroys int
	onLoad   func(*fakePipeline)
}

func (p *fakePipeline) Load(src Source) error {
	p.mu.Lock()
	p.src = src
	p.loads++
	hook := p.onLoad
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *fakePipeline) Play(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays++
	return nil
}

func (p *fakePipeline) Recover() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recovers++
	return nil
}

func (p *fakePipeline) Destroy() {
	p.mu.Lock()
	p.destroys++
	first := p.destroys == 1
	p.mu.Unlock()
	if first {
		p.live.dec()
	}
}

func (p *fakePipeline) destroyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroys
}

func (p *fakePipeline) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

func (p *fakePipeline) recoverCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recovers
}

func (p *fakePipeline) source() Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src
}

type fakeEngine struct {
	mu        sync.Mutex
	live      *liveCounter
	pipelines []*fakePipeline
	onLoad    func(*fakePipeline)
}

func (e *fakeEngine) Open(emit func(Event)) (Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &fakePipeline{emit: emit, live: e.live, onLoad: e.onLoad}
	e.live.inc()
	e.pipelines = append(e.pipelines, p)
	return p, nil
}

func (e *fakeEngine) last() *fakePipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pipelines) == 0 {
		return nil
	}
	return e.pipelines[len(e.pipelines)-1]
}

func (e *fakeEngine) opened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pipelines)
}

func testRelay(target string) string {
	return "http://relay.local/relay?url=" + url.QueryEscape(target)
}

// manualTimers replaces time.AfterFunc so tests fire timeouts explicitly.
type manualTimers struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (m *manualTimers) AfterFunc(_ time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{f: f}
	m.pending = append(m.pending, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// fireAll runs every timer that has not been stopped.
func (m *manualTimers) fireAll() {
	m.mu.Lock()
	var due []*manualTimer
	for _, t := range m.pending {
		if !t.stopped {
			t.stopped = true
			due = append(due, t)
		}
	}
	m.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}
