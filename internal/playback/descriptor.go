package playback

import "strings"

// Kind is the catalog context a stream was picked from.
type Kind string

const (
	KindLive   Kind = "live"
	KindVOD    Kind = "vod"
	KindSeries Kind = "series"
)

// ParseKind maps catalog and URL path spellings ("live", "movie", "vod",
// "series") to a Kind. Unknown values fall back to KindVOD.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live":
		return KindLive
	case "series":
		return KindSeries
	default:
		return KindVOD
	}
}

// StreamDescriptor identifies one playable item. It is created fresh every
// time the user selects something and never mutated afterwards.
type StreamDescriptor struct {
	RawURL string
	Kind   Kind
	// ContainerHint is the catalog-reported file extension ("ts", "mp4", "mkv", ...),
	// used only when the URL itself carries no extension.
	ContainerHint string
}
