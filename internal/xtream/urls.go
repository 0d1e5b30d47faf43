// Package xtream builds stream URLs the way Xtream-Codes style panels lay
// them out: <base>/<live|movie|series>/<user>/<pass>/<id>.<ext>.
package xtream

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"iptv-playback/internal/playback"
)

// Credentials identify a panel account.
type Credentials struct {
	Host     string
	Username string
	Password string
}

var (
	// ErrMissingHost is returned when the panel host is empty.
	ErrMissingHost = errors.New("panel host is required")

	// ErrMissingStreamID is returned when the stream id is empty.
	ErrMissingStreamID = errors.New("stream id is required")
)

// Default container extensions per catalog kind.
const (
	DefaultLiveExtension = "ts"
	DefaultVODExtension  = "mp4"
)

// BaseURL normalizes a panel host: a scheme is added when missing and
// trailing slashes are removed.
func BaseURL(host string) string {
	base := strings.TrimSpace(host)
	if base == "" {
		return ""
	}
	lower := strings.ToLower(base)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/")
}

// pathSegment is the URL path component for a catalog kind.
func pathSegment(kind playback.Kind) string {
	switch kind {
	case playback.KindLive:
		return "live"
	case playback.KindSeries:
		return "series"
	default:
		return "movie"
	}
}

// StreamURL builds the playable URL for a stream id. An empty ext selects the
// kind's default container.
func StreamURL(creds Credentials, kind playback.Kind, id, ext string) (string, error) {
	base := BaseURL(creds.Host)
	if base == "" {
		return "", ErrMissingHost
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrMissingStreamID
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = DefaultVODExtension
		if kind == playback.KindLive {
			ext = DefaultLiveExtension
		}
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s.%s",
		base,
		pathSegment(kind),
		url.PathEscape(creds.Username),
		url.PathEscape(creds.Password),
		url.PathEscape(id),
		ext,
	), nil
}

// Descriptor builds the playback descriptor for a catalog item.
func Descriptor(creds Credentials, kind playback.Kind, id, ext string) (playback.StreamDescriptor, error) {
	raw, err := StreamURL(creds, kind, id, ext)
	if err != nil {
		return playback.StreamDescriptor{}, err
	}
	return playback.StreamDescriptor{
		RawURL:        raw,
		Kind:          kind,
		ContainerHint: strings.TrimPrefix(strings.TrimSpace(ext), "."),
	}, nil
}

// APIURL builds a player_api.php call for the control plane. Extra params are
// added alongside the credentials.
func APIURL(creds Credentials, action string, params url.Values) (string, error) {
	base := BaseURL(creds.Host)
	if base == "" {
		return "", ErrMissingHost
	}
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("username", creds.Username)
	q.Set("password", creds.Password)
	if action != "" {
		q.Set("action", action)
	}
	return base + "/player_api.php?" + q.Encode(), nil
}
