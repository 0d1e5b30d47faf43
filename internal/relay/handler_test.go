package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"iptv-playback/internal/platform/upstream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	client := upstream.NewClient(5 * time.Second)
	t.Cleanup(client.CloseIdleConnections)
	return NewService(client, quietLogger(), opts)
}

func newTestRouter(t *testing.T, opts Options, middlewares ...func(http.Handler) http.Handler) http.Handler {
	t.Helper()
	h := NewHandler(newTestService(t, opts), quietLogger(), nil, "/relay")
	r := chi.NewRouter()
	h.Routes(r, "/relay", middlewares...)
	return r
}

func relayGet(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/relay?url="+url.QueryEscape(target), nil)
}

func relayPost(target string) *http.Request {
	body, _ := json.Marshal(map[string]string{"url": target})
	req := httptest.NewRequest(http.MethodPost, "/relay", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func assertCORS(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "authorization") {
		t.Errorf("Access-Control-Allow-Headers = %q", got)
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	return body.Error
}

func TestHandler_rejects_bad_targets(t *testing.T) {
	r := newTestRouter(t, Options{})
	tests := []struct {
		name string
		req  *http.Request
	}{
		{"get_missing_url", httptest.NewRequest(http.MethodGet, "/relay", nil)},
		{"get_ftp_url", relayGet("ftp://panel/file.ts")},
		{"get_relative_url", relayGet("/live/1.ts")},
		{"post_missing_url", httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader(`{}`))},
		{"post_empty_body", httptest.NewRequest(http.MethodPost, "/relay", nil)},
		{"post_file_url", relayPost("file:///etc/passwd")},
		{"post_malformed_json", httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader(`{"url":`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			assertCORS(t, rec)
			if msg := decodeError(t, rec); msg == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestHandler_preflight(t *testing.T) {
	r := newTestRouter(t, Options{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/relay", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	assertCORS(t, rec)
}

func TestHandler_method_not_allowed(t *testing.T) {
	r := newTestRouter(t, Options{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/relay", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	assertCORS(t, rec)
}

func TestHandler_media_forwards_status_and_user_agent(t *testing.T) {
	var gotUA atomic.Value
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		http.NotFound(w, r)
	}))
	defer up.Close()

	r := newTestRouter(t, Options{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, relayGet(up.URL+"/live/u/p/55.m3u8"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want upstream 404", rec.Code)
	}
	assertCORS(t, rec)
	if ua := gotUA.Load(); ua != DefaultUserAgent {
		t.Errorf("upstream User-Agent = %v, want %q", ua, DefaultUserAgent)
	}
}

func TestHandler_media_upstream_unreachable(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	target := up.URL + "/live/u/p/1.ts"
	up.Close()

	r := newTestRouter(t, Options{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, relayGet(target))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	assertCORS(t, rec)
	if msg := decodeError(t, rec); msg == "" {
		t.Error("empty error message")
	}
}

func TestHandler_media_rewrites_playlist_after_redirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/live/u/p/55.m3u8", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hls/abc/index.m3u8", http.StatusFound)
	})
	mux.HandleFunc("/hls/abc/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-mpegURL")
		io.WriteString(w, "#EXTM3U\n#EXTINF:10,\nseg1.ts\n#EXTINF:10,\nhttp://other/seg2.ts\n")
	})
	up := httptest.NewServer(mux)
	defer up.Close()

	r := newTestRouter(t, Options{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, relayGet(up.URL+"/live/u/p/55.m3u8"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", ct)
	}
	assertCORS(t, rec)

	want := "#EXTM3U\n#EXTINF:10,\n" +
		"/relay?url=" + url.QueryEscape(up.URL+"/hls/abc/seg1.ts") + "\n" +
		"#EXTINF:10,\n" +
		"/relay?url=" + url.QueryEscape("http://other/seg2.ts") + "\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body =\n%s\nwant\n%s", got, want)
	}
}

func TestHandler_media_playlist_detected_by_extension(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "#EXTM3U\nchunk.ts\n")
	}))
	defer up.Close()

	r := newTestRouter(t, Options{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, relayGet(up.URL+"/x/list.m3u8"))

	if !strings.Contains(rec.Body.String(), "/relay?url=") {
		t.Errorf("playlist not rewritten: %q", rec.Body.String())
	}
}

func TestHandler_media_playlist_too_large(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, "#EXTM3U\n"+strings.Repeat("#EXTINF:1,\nseg.ts\n", 100))
	}))
	defer up.Close()

	r := newTestRouter(t, Options{ManifestMaxBytes: 64})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, relayGet(up.URL+"/index.m3u8"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if msg := decodeError(t, rec); msg != ErrManifestTooLarge.Error() {
		t.Errorf("error = %q", msg)
	}
}

func TestHandler_media_forwards_range(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 100)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, "movie.mp4", time.Time{}, bytes.NewReader(payload))
	}))
	defer up.Close()

	r := newTestRouter(t, Options{})
	req := relayGet(up.URL + "/movie/u/p/9.mp4")
	req.Header.Set("Range", "bytes=10-19")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 10-19/1000" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
	if got := rec.Body.String(); got != "0123456789" {
		t.Errorf("body = %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHandler_media_streams_before_upstream_eof(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(bytes.Repeat([]byte{0x47}, 188))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer up.Close()

	relaySrv := httptest.NewServer(newTestRouter(t, Options{}))
	defer relaySrv.Close()

	client := relaySrv.Client()
	defer client.CloseIdleConnections()
	resp, err := client.Get(relaySrv.URL + "/relay?url=" + url.QueryEscape(up.URL+"/live/u/p/1.ts"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	first := make([]byte, 188)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(resp.Body, first)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read first packet: %v", err)
		}
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("first packet not delivered while upstream was still open")
	}
	close(release)
	io.Copy(io.Discard, resp.Body)

	if first[0] != 0x47 {
		t.Errorf("first byte = %#x, want sync byte", first[0])
	}
}

func TestHandler_media_client_disconnect_cancels_upstream(t *testing.T) {
	cancelled := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write([]byte{0x47})
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(cancelled)
	}))
	defer up.Close()

	relaySrv := httptest.NewServer(newTestRouter(t, Options{}))
	defer relaySrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, relaySrv.URL+"/relay?url="+url.QueryEscape(up.URL+"/live/u/p/1.ts"), nil)
	client := relaySrv.Client()
	defer client.CloseIdleConnections()
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatal(err)
	}
	cancel()
	resp.Body.Close()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request not cancelled after client went away")
	}
}

func TestHandler_control_forwards_status_and_content_type(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/player_api.php":
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			io.WriteString(w, `{"user_info":{"auth":1}}`)
		case "/raw":
			w.Header()["Content-Type"] = nil
			io.WriteString(w, `[]`)
		default:
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, "denied")
		}
	}))
	defer up.Close()

	r := newTestRouter(t, Options{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, relayPost(up.URL+"/player_api.php?username=u&password=p"))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"user_info":{"auth":1}}` {
		t.Errorf("ok call: %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	assertCORS(t, rec)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, relayPost(up.URL+"/raw"))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("default Content-Type = %q, want application/json", ct)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, relayPost(up.URL+"/denied"))
	if rec.Code != http.StatusForbidden || rec.Body.String() != "denied" {
		t.Errorf("forbidden call: %d %q", rec.Code, rec.Body.String())
	}
	assertCORS(t, rec)
}

func TestHandler_control_cache_hit_skips_upstream(t *testing.T) {
	var calls atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"stream_id":55}]`)
	}))
	defer up.Close()

	r := newTestRouter(t, Options{Cache: NewInMemoryCache(), CacheTTL: time.Minute})
	target := up.URL + "/player_api.php?action=get_live_streams"

	first := httptest.NewRecorder()
	r.ServeHTTP(first, relayPost(target))
	second := httptest.NewRecorder()
	r.ServeHTTP(second, relayPost(target))

	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
	if second.Header().Get("X-Relay-Cache") != "HIT" {
		t.Error("second response not marked as cache hit")
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("cached body %q != %q", second.Body.String(), first.Body.String())
	}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, relayPost(up.URL+"/player_api.php?fail=1"))
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rec.Code)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("non-2xx responses were cached: upstream calls = %d, want 3", calls.Load())
	}
}

func TestHandler_rate_limited_response_keeps_cors(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer up.Close()

	r := newTestRouter(t, Options{}, httprate.LimitByIP(1, time.Minute))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, relayGet(up.URL+"/a.mp4"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, relayGet(up.URL+"/a.mp4"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	assertCORS(t, rec)
}

func TestRateLimit_json_body_and_retry_after(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer up.Close()

	r := newTestRouter(t, Options{}, RateLimit(1))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, relayGet(up.URL+"/a.mp4"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, relayGet(up.URL+"/a.mp4"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q", got)
	}
	if msg := decodeError(t, rec); msg != "rate limit exceeded" {
		t.Errorf("error = %q", msg)
	}
	assertCORS(t, rec)
}
