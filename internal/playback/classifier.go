package playback

import (
	"net/url"
	"path"
	"strings"
)

// Transport is the classifier's guess at how the origin serves a stream.
type Transport string

const (
	TransportLiveTS      Transport = "live-ts"
	TransportHLS         Transport = "hls"
	TransportProgressive Transport = "progressive"
)

// Classification is derived from a StreamDescriptor and never persisted.
type Classification struct {
	Transport Transport
	// Rewritable reports whether swapping the transport-stream extension for a
	// playlist extension yields a meaningful same-origin fallback URL.
	Rewritable bool
}

const liveMarker = "/live/"

var (
	transportStreamExts = map[string]bool{"ts": true}
	playlistExts        = map[string]bool{"m3u8": true, "m3u": true}
)

// Classify labels a descriptor. Rules are applied in order, first match wins:
// live marker with a TS or playlist extension, then any playlist extension,
// then progressive.
func Classify(d StreamDescriptor) Classification {
	p := urlPath(d.RawURL)
	ext := extension(p)
	if ext == "" {
		ext = strings.ToLower(strings.TrimPrefix(d.ContainerHint, "."))
	}

	if d.Kind == KindLive && strings.Contains(p, liveMarker) {
		switch {
		case transportStreamExts[ext]:
			return Classification{Transport: TransportLiveTS, Rewritable: true}
		case playlistExts[ext]:
			return Classification{Transport: TransportHLS}
		}
	}
	if playlistExts[ext] {
		return Classification{Transport: TransportHLS}
	}
	return Classification{Transport: TransportProgressive}
}

// RewriteToPlaylist swaps a trailing ".ts" path extension for ".m3u8" while
// keeping the query string and fragment. URLs without a transport-stream
// extension are returned unchanged.
func RewriteToPlaylist(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Opaque != "" {
		return rewriteSuffix(raw)
	}
	if !transportStreamExts[extension(u.Path)] {
		return raw
	}
	u.Path = strings.TrimSuffix(u.Path, path.Ext(u.Path)) + ".m3u8"
	if u.RawPath != "" {
		u.RawPath = strings.TrimSuffix(u.RawPath, path.Ext(u.RawPath)) + ".m3u8"
	}
	return u.String()
}

// rewriteSuffix is the string-level fallback for URLs net/url refuses.
func rewriteSuffix(raw string) string {
	cut := len(raw)
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		cut = i
	}
	head, tail := raw[:cut], raw[cut:]
	if !strings.HasSuffix(strings.ToLower(head), ".ts") {
		return raw
	}
	return head[:len(head)-len(".ts")] + ".m3u8" + tail
}

// urlPath returns the path component of raw, ignoring query and fragment.
func urlPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Path
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

// extension returns the lower-cased extension of the last path element
// without the dot, or "" when there is none.
func extension(p string) string {
	ext := path.Ext(path.Base(p))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
