package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"iptv-playback/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	streamBufferSize        = 128 * 1024
	defaultMediaContentType = "application/octet-stream"
)

// echoedResponseHeaders are copied from upstream media responses so
// progressive files stay seekable through the relay.
var echoedResponseHeaders = []string{
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Cache-Control",
	"Last-Modified",
	"ETag",
}

// Handler exposes the relay endpoint. Control-plane calls arrive as POST with
// a JSON body, media-plane calls as GET with a url query parameter.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
	wrap    func(string) string
}

// NewHandler returns a Handler that rewrites playlist entries to endpoint.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics, endpoint string) *Handler {
	return &Handler{svc: svc, log: log, metrics: m, wrap: Wrap(endpoint)}
}

// Routes mounts the relay at path. CORS runs first so that responses from the
// extra middleware (rate limiting) carry the headers too.
func (h *Handler) Routes(r chi.Router, path string, middlewares ...func(http.Handler) http.Handler) {
	chain := append([]func(http.Handler) http.Handler{CORS}, middlewares...)
	r.With(chain...).Handle(path, h)
}

// ServeHTTP dispatches on method.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		h.Preflight(w, r)
	case http.MethodGet, http.MethodHead:
		h.Media(w, r)
	case http.MethodPost:
		h.Control(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// CORS sets the permissive cross-origin headers on every response.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type, range")
		hdr.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		hdr.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")
		next.ServeHTTP(w, r)
	})
}

// Preflight handles OPTIONS.
func (h *Handler) Preflight(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.IncRelayRequest("preflight")
	}
	w.WriteHeader(http.StatusNoContent)
}

// Control handles POST {url}: the upstream body is buffered and returned with
// the upstream status and content type.
func (h *Handler) Control(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.IncRelayRequest("control")
	}

	var body controlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.log.Debug("invalid relay body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	target, err := ParseTarget(body.URL)
	if err != nil {
		h.fail(w, err)
		return
	}

	resp, hit, err := h.svc.Control(r.Context(), target)
	if err != nil {
		h.upstreamFailed(w, r, hostOf(target), err)
		return
	}
	if hit {
		w.Header().Set("X-Relay-Cache", "HIT")
		if h.metrics != nil {
			h.metrics.IncCacheHits()
		}
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// Media handles GET ?url=. Playlists are rewritten so every segment and
// variant request comes back through the relay; everything else is streamed
// through as it arrives.
func (h *Handler) Media(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.IncRelayRequest("media")
	}

	target, err := ParseTarget(r.URL.Query().Get("url"))
	if err != nil {
		h.fail(w, err)
		return
	}

	resp, err := h.svc.Open(r.Context(), target, r.Header)
	if err != nil {
		h.upstreamFailed(w, r, hostOf(target), err)
		return
	}
	defer resp.Body.Close()

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	rr := Request{TargetURL: final.String()}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	rr.IsManifest = ok && IsManifest(resp.Header.Get("Content-Type"), rr.TargetURL)
	if rr.IsManifest {
		h.serveManifest(w, r, resp, final)
		return
	}

	hdr := w.Header()
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultMediaContentType
	}
	hdr.Set("Content-Type", ct)
	for _, k := range echoedResponseHeaders {
		if v := resp.Header.Get(k); v != "" {
			hdr.Set(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	h.stream(w, r, resp.Body)
}

func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, resp *http.Response, base *url.URL) {
	body, err := h.svc.ReadManifest(resp.Body)
	if err != nil {
		if errors.Is(err, ErrManifestTooLarge) {
			h.log.Warn("playlist too large", slog.String("host", base.Host))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.upstreamFailed(w, r, base.Host, err)
		return
	}

	out := RewritePlaylist(body, base, h.wrap)
	if h.metrics != nil {
		h.metrics.IncManifestsRewritten()
	}
	h.log.Debug("playlist rewritten",
		slog.String("host", base.Host),
		slog.Int("bytes_in", len(body)),
		slog.Int("bytes_out", len(out)))

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(out)
}

// stream copies body to the client, flushing after every chunk so the
// pipeline sees bytes as soon as the origin sends them.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, body io.Reader) {
	if h.metrics != nil {
		h.metrics.StreamStarted()
		defer h.metrics.StreamFinished()
	}

	fw := &flushWriter{w: w, rc: http.NewResponseController(w)}
	buf := make([]byte, streamBufferSize)
	n, err := io.CopyBuffer(fw, body, buf)
	if h.metrics != nil {
		h.metrics.AddBytesStreamed(n)
	}
	if err != nil && !errors.Is(err, context.Canceled) && r.Context().Err() == nil {
		h.log.Warn("relay stream interrupted",
			slog.Int64("bytes", n),
			slog.String("error", redact(err)))
	}
}

type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	_ = f.rc.Flush()
	return n, nil
}

// fail maps relay errors to responses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMissingTarget), errors.Is(err, ErrInvalidTarget):
		h.log.Debug("relay request rejected", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("relay request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) upstreamFailed(w http.ResponseWriter, r *http.Request, host string, err error) {
	if r.Context().Err() != nil {
		h.log.Debug("client went away before upstream answered", slog.String("host", host))
		return
	}
	if h.metrics != nil {
		h.metrics.IncUpstreamFailures()
	}
	h.log.Warn("upstream fetch failed",
		slog.String("host", host),
		slog.String("error", redact(err)))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: msg})
}
