package check

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"iptv-playback/internal/playback"
	"iptv-playback/internal/relay"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the headless playback check endpoints using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes mounts the check endpoints under /playback.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/playback", func(r chi.Router) {
		r.Post("/check", h.Check)
		r.Get("/sessions", h.Sessions)
	})
}

// Check handles POST /playback/check.
// Body: { "url": "http://panel/live/u/p/55.ts", "kind": "live", "container": "ts" }.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.log.Debug("invalid check body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	target, err := relay.ParseTarget(req.URL)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	d := playback.StreamDescriptor{
		RawURL:        target.String(),
		Kind:          playback.ParseKind(req.Kind),
		ContainerHint: req.Container,
	}
	snap, err := h.svc.Check(r.Context(), d)
	res := Summarize(snap)
	if snap.State == playback.StateExhausted {
		res.Message = playback.FailureFor(r.Header.Get("Accept-Language")).Message
	}

	switch {
	case err == nil:
		h.log.Info("playback check finished",
			slog.String("session_id", res.SessionID),
			slog.String("state", res.State),
			slog.String("strategy", res.Strategy),
			slog.Int("attempts", res.Attempts))
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, ErrCheckTimeout):
		h.log.Warn("playback check timed out",
			slog.String("session_id", res.SessionID),
			slog.String("state", res.State))
		writeJSON(w, http.StatusGatewayTimeout, res)
	default:
		h.log.Error("playback check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

// Sessions handles GET /playback/sessions: the checks currently in flight.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	snaps := h.svc.Registry().Snapshots()
	out := make([]Result, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, Summarize(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
