package relay

import (
	"errors"
	"time"
)

// Request is one relay round trip.
type Request struct {
	TargetURL  string
	IsManifest bool
}

// controlRequest is the JSON body of a control-plane POST.
type controlRequest struct {
	URL string `json:"url"`
}

// errorBody is the JSON shape of every relay-internal error response.
type errorBody struct {
	Error string `json:"error"`
}

// CachedResponse is a buffered control-plane response.
type CachedResponse struct {
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"stored_at"`
}

var (
	// ErrMissingTarget is returned when a request carries no target URL.
	ErrMissingTarget = errors.New("url is required")

	// ErrInvalidTarget is returned for targets that are not absolute http or https URLs.
	ErrInvalidTarget = errors.New("only http and https urls are allowed")

	// ErrManifestTooLarge is returned when a playlist exceeds the configured size cap.
	ErrManifestTooLarge = errors.New("playlist exceeds size limit")
)
