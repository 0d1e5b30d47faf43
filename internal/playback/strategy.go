package playback

import "strings"

// StrategyKind names a way of presenting a stream.
type StrategyKind string

const (
	StrategySegmented  StrategyKind = "segmented-media-source"
	StrategyNativeHLS  StrategyKind = "native-http-live-streaming"
	StrategyDirect     StrategyKind = "direct-element-source"
	StrategyNativePlay StrategyKind = "native-overlay-player"
)

const (
	playlistMIMEType       = "application/x-mpegURL"
	nativeOverlayMIME      = "video/*"
	defaultProgressiveMIME = "video/mp4"
)

// Strategy is one playback candidate.
type Strategy struct {
	Kind          StrategyKind
	SourceURL     func(StreamDescriptor) string
	RelayRequired bool
}

// Capabilities describe the current runtime. They cannot change during a session.
type Capabilities struct {
	SegmentedMediaSource bool
	NativeHLS            bool
	NativeOverlayPlayer  bool
}

// Runtime is fixed when a session is constructed.
type Runtime struct {
	Capabilities Capabilities
	// Native is true inside the native shell, which has unrestricted network
	// access and never needs the relay.
	Native bool
	// Relay wraps a URL in the relay's query-parameter form. Nil disables relaying.
	Relay func(string) string
	// Engines holds one engine per strategy kind the runtime can run.
	Engines map[StrategyKind]Engine
}

func rawURL(d StreamDescriptor) string { return d.RawURL }

func playlistURL(d StreamDescriptor) string { return RewriteToPlaylist(d.RawURL) }

// Select builds the ordered candidate list for a descriptor. The list is never
// empty and always ends with the direct-element-source fallback.
func Select(d StreamDescriptor, c Classification, rt Runtime) []Strategy {
	relay := !rt.Native
	caps := rt.Capabilities
	// A container hint can make a URL rewritable without a ".ts" path to swap;
	// the playlist form is then the raw URL again.
	rewritten := c.Rewritable && playlistURL(d) != d.RawURL
	var out []Strategy

	switch {
	case caps.NativeOverlayPlayer && rt.Native:
		out = append(out, Strategy{Kind: StrategyNativePlay, SourceURL: rawURL})
	case c.Transport != TransportProgressive && caps.SegmentedMediaSource:
		if rewritten {
			out = append(out,
				Strategy{Kind: StrategySegmented, SourceURL: playlistURL, RelayRequired: relay},
				Strategy{Kind: StrategySegmented, SourceURL: rawURL, RelayRequired: relay},
			)
		} else {
			out = append(out, Strategy{Kind: StrategySegmented, SourceURL: rawURL, RelayRequired: relay})
		}
	}

	if caps.NativeHLS && c.Transport != TransportProgressive && !(caps.NativeOverlayPlayer && rt.Native) {
		build := rawURL
		if rewritten {
			build = playlistURL
		}
		out = append(out, Strategy{Kind: StrategyNativeHLS, SourceURL: build, RelayRequired: relay})
	}

	return append(out, Strategy{Kind: StrategyDirect, SourceURL: rawURL, RelayRequired: relay})
}

// Resolve turns a candidate into the Source handed to its pipeline.
func Resolve(s Strategy, d StreamDescriptor, rt Runtime) Source {
	target := s.SourceURL(d)
	src := Source{URL: target, MIMEType: mimeTypeFor(s.Kind, target, d.ContainerHint)}
	if s.RelayRequired && rt.Relay != nil {
		src.URL = rt.Relay(target)
		src.RequestHook = relayHook(rt.Relay)
	}
	return src
}

// relayHook wraps sub-request URLs in the relay form unless the relay already
// did so while rewriting the playlist.
func relayHook(wrap func(string) string) func(string) string {
	prefix := wrap("")
	return func(u string) string {
		if prefix != "" && strings.Contains(u, prefix) {
			return u
		}
		return wrap(u)
	}
}

func mimeTypeFor(kind StrategyKind, target, hint string) string {
	switch kind {
	case StrategySegmented, StrategyNativeHLS:
		return playlistMIMEType
	case StrategyNativePlay:
		return nativeOverlayMIME
	}
	ext := extension(urlPath(target))
	if ext == "" {
		ext = strings.ToLower(strings.TrimPrefix(hint, "."))
	}
	switch ext {
	case "ts":
		return "video/mp2t"
	case "mkv":
		return "video/x-matroska"
	case "webm":
		return "video/webm"
	case "m3u8", "m3u":
		return playlistMIMEType
	default:
		return defaultProgressiveMIME
	}
}
