package relay

import (
	"bufio"
	"bytes"
	"net/url"
	"path"
	"strings"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// IsManifest reports whether an upstream response is an HLS playlist, judged by
// content type first and then by the target's path extension.
func IsManifest(contentType, target string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") {
		return true
	}
	p := target
	if u, err := url.Parse(target); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".m3u8", ".m3u":
		return true
	}
	return false
}

// Wrap returns a function that rewrites a target URL into the relay's
// query-parameter form under endpoint.
func Wrap(endpoint string) func(string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	prefix := endpoint + sep + "url="
	return func(target string) string {
		return prefix + url.QueryEscape(target)
	}
}

// RewritePlaylist routes every URI line of an HLS playlist back through the
// relay. URI lines are resolved against base, the playlist's own URL after
// redirects, so relative segment and variant references keep working. Tag
// lines, comments and blank lines pass through unchanged, and a trailing
// newline in the input is kept.
func RewritePlaylist(body []byte, base *url.URL, wrap func(string) string) []byte {
	var out bytes.Buffer
	out.Grow(len(body) + len(body)/2)

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), len(body)+1)
	first := true
	for sc.Scan() {
		if !first {
			out.WriteByte('\n')
		}
		first = false

		line := sc.Text()
		trim := strings.TrimSpace(line)
		if trim == "" || strings.HasPrefix(trim, "#") {
			out.WriteString(line)
			continue
		}
		abs, ok := resolve(base, trim)
		if !ok {
			out.WriteString(line)
			continue
		}
		out.WriteString(wrap(abs))
	}
	if len(body) > 0 && body[len(body)-1] == '\n' {
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func resolve(base *url.URL, ref string) (string, bool) {
	if strings.HasPrefix(ref, "//") && base != nil {
		return base.Scheme + ":" + ref, true
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.IsAbs() {
		return ref, true
	}
	if base == nil {
		return "", false
	}
	return base.ResolveReference(u).String(), true
}
