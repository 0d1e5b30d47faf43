package playback

import (
	"context"
	"fmt"
)

// EventType is a lifecycle signal emitted by a decode pipeline.
type EventType string

const (
	EventManifestReady EventType = "manifest-ready"
	EventPlaying       EventType = "playing"
	EventStalled       EventType = "stalled"
	EventEnded         EventType = "ended"
	EventError         EventType = "error"
)

// Layer classifies where a pipeline error originated.
type Layer string

const (
	// LayerMedia errors come from the media buffer itself and can be healed in place.
	LayerMedia Layer = "media"
	// LayerTransport errors come from the network or the resource and require
	// switching to another strategy.
	LayerTransport Layer = "transport"
)

// ErrorInfo describes a pipeline error. Code is logged, never shown to users.
type ErrorInfo struct {
	Fatal  bool
	Layer  Layer
	Code   string
	Detail string
}

func (e ErrorInfo) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s error %s", e.Layer, e.Code)
	}
	return fmt.Sprintf("%s error %s: %s", e.Layer, e.Code, e.Detail)
}

// Event is one signal from a pipeline. Err is set only for EventError.
type Event struct {
	Type EventType
	Err  *ErrorInfo
}

// TransportError builds a fatal transport-layer error event.
func TransportError(code, detail string) Event {
	return Event{Type: EventError, Err: &ErrorInfo{Fatal: true, Layer: LayerTransport, Code: code, Detail: detail}}
}

// MediaError builds a fatal media-layer error event.
func MediaError(code, detail string) Event {
	return Event{Type: EventError, Err: &ErrorInfo{Fatal: true, Layer: LayerMedia, Code: code, Detail: detail}}
}

// Source is a fully resolved input for a pipeline.
type Source struct {
	URL      string
	MIMEType string
	// RequestHook rewrites every sub-request URL the pipeline issues (segments,
	// variant playlists). Nil means requests go out unchanged.
	RequestHook func(string) string
}

// Pipeline is one decode pipeline bound to the presentation surface.
// Events are delivered through the emit function given to Engine.Open and may
// arrive on any goroutine.
type Pipeline interface {
	Load(src Source) error
	// Play may fail on autoplay policy; the session logs and ignores that.
	Play(ctx context.Context) error
	// Recover asks the pipeline to re-open its current media buffer.
	Recover() error
	// Destroy releases the pipeline. It must be idempotent and must stop the
	// pipeline from issuing new requests.
	Destroy()
}

// Engine constructs pipelines for one strategy kind. Engines are resolved once
// at startup; the session never loads them conditionally.
type Engine interface {
	Open(emit func(Event)) (Pipeline, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(emit func(Event)) (Pipeline, error)

// Open implements Engine.
func (f EngineFunc) Open(emit func(Event)) (Pipeline, error) { return f(emit) }
