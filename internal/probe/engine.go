// Package probe is a headless decode engine. It drives the same pipeline
// contract a browser player does, but over plain HTTP: playlists are parsed,
// the first media reference is fetched and its first bytes are checked.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"iptv-playback/internal/playback"
	"iptv-playback/internal/relay"

	"github.com/grafov/m3u8"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47

	defaultMaxPlaylistBytes = 4 << 20
	maxVariantDepth         = 2

	playlistTag   = "#EXTM3U"
	maxSniffBytes = 64
)

var utf8BOM = []byte("\xef\xbb\xbf")

// Error codes carried in playback.ErrorInfo.
const (
	CodeNetwork       = "network"
	CodeManifestParse = "manifest-parse"
	CodeManifestEmpty = "manifest-empty"
	CodeFragmentLoad  = "frag-load"
	CodeFragmentParse = "fragment-parse"
	CodeEmptyBody     = "empty-body"
)

var errPipelineDestroyed = errors.New("pipeline destroyed")

// Options configure an Engine. Zero values select the defaults.
type Options struct {
	UserAgent        string
	MaxPlaylistBytes int64
}

// Engine opens headless pipelines. It is safe for concurrent use.
type Engine struct {
	client *http.Client
	log    *slog.Logger
	opts   Options
}

// NewEngine returns an Engine fetching with client.
func NewEngine(client *http.Client, log *slog.Logger, opts Options) *Engine {
	if opts.UserAgent == "" {
		opts.UserAgent = relay.DefaultUserAgent
	}
	if opts.MaxPlaylistBytes <= 0 {
		opts.MaxPlaylistBytes = defaultMaxPlaylistBytes
	}
	return &Engine{client: client, log: log, opts: opts}
}

// Open implements playback.Engine.
func (e *Engine) Open(emit func(playback.Event)) (playback.Pipeline, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &pipeline{
		engine: e,
		emit:   emit,
		ctx:    ctx,
		cancel: cancel,
		play:   make(chan struct{}),
	}, nil
}

type pipeline struct {
	engine *Engine
	emit   func(playback.Event)
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	playOnce sync.Once
	play     chan struct{}

	mu        sync.Mutex
	src       playback.Source
	media     string
	destroyed bool
}

// Load starts resolving src in the background.
func (p *pipeline) Load(src playback.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return errPipelineDestroyed
	}
	p.src = src
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(src)
	}()
	return nil
}

// Play releases the pipeline to fetch media.
func (p *pipeline) Play(context.Context) error {
	p.playOnce.Do(func() { close(p.play) })
	return nil
}

// Recover re-reads the current media reference.
func (p *pipeline) Recover() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return errPipelineDestroyed
	}
	if p.media == "" {
		return errors.New("no media to recover")
	}
	media, src := p.media, p.src
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readMedia(media, src, nil)
	}()
	return nil
}

// Destroy cancels in-flight requests and waits for the pipeline goroutines.
func (p *pipeline) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *pipeline) send(ev playback.Event) {
	if p.ctx.Err() != nil {
		return
	}
	p.emit(ev)
}

func (p *pipeline) run(src playback.Source) {
	resp, err := p.get(src.URL)
	if err != nil {
		p.fail(err, CodeNetwork)
		return
	}

	if !isPlaylist(resp, requestURL(resp, src.URL)) {
		// Progressive source: headers are in, the body is the media itself.
		p.setMedia(src.URL)
		p.send(playback.Event{Type: playback.EventManifestReady})
		if !p.waitPlay() {
			resp.Body.Close()
			return
		}
		p.readMedia(src.URL, src, resp)
		return
	}

	media, err := p.resolvePlaylist(resp, src, 0)
	if err != nil {
		p.fail(err, CodeNetwork)
		return
	}

	p.setMedia(media)
	p.engine.log.Debug("playlist resolved", slog.String("host", hostOf(media)))
	p.send(playback.Event{Type: playback.EventManifestReady})
	if !p.waitPlay() {
		return
	}
	p.readMedia(media, src, nil)
}

// resolvePlaylist decodes a playlist response and returns the URL of the
// first media segment, following the first variant of a master playlist.
// The body is always closed.
func (p *pipeline) resolvePlaylist(resp *http.Response, src playback.Source, depth int) (string, error) {
	base := requestURL(resp, src.URL)
	body, err := readCapped(resp.Body, p.engine.opts.MaxPlaylistBytes)
	resp.Body.Close()
	if err != nil {
		return "", err
	}

	body = bytes.TrimPrefix(body, utf8BOM)
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte(playlistTag)) {
		return "", &playback.ErrorInfo{Fatal: true, Layer: playback.LayerTransport, Code: CodeManifestParse, Detail: "missing #EXTM3U header"}
	}
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return "", &playback.ErrorInfo{Fatal: true, Layer: playback.LayerTransport, Code: CodeManifestParse, Detail: err.Error()}
	}

	var ref string
	switch listType {
	case m3u8.MASTER:
		master := pl.(*m3u8.MasterPlaylist)
		for _, v := range master.Variants {
			if v != nil && v.URI != "" {
				ref = v.URI
				break
			}
		}
		if ref == "" {
			return "", &playback.ErrorInfo{Fatal: true, Layer: playback.LayerTransport, Code: CodeManifestEmpty, Detail: "master playlist has no variants"}
		}
		if depth >= maxVariantDepth {
			return "", &playback.ErrorInfo{Fatal: true, Layer: playback.LayerTransport, Code: CodeManifestParse, Detail: "nested master playlists"}
		}
		variant := p.subRequest(base, ref, src)
		vresp, err := p.get(variant)
		if err != nil {
			return "", err
		}
		return p.resolvePlaylist(vresp, playback.Source{URL: variant, MIMEType: src.MIMEType, RequestHook: src.RequestHook}, depth+1)
	case m3u8.MEDIA:
		media := pl.(*m3u8.MediaPlaylist)
		for i := uint(0); i < media.Count(); i++ {
			if seg := media.Segments[i]; seg != nil && seg.URI != "" {
				ref = seg.URI
				break
			}
		}
		if ref == "" {
			return "", &playback.ErrorInfo{Fatal: true, Layer: playback.LayerTransport, Code: CodeManifestEmpty, Detail: "media playlist has no segments"}
		}
		return p.subRequest(base, ref, src), nil
	}
	return "", &playback.ErrorInfo{Fatal: true, Layer: playback.LayerTransport, Code: CodeManifestParse, Detail: "unknown playlist type"}
}

// readMedia fetches media (unless resp is already open on it) and checks the
// first bytes. A transport-stream payload without the sync byte is a media
// error; anything else that arrives counts as playing.
func (p *pipeline) readMedia(media string, src playback.Source, resp *http.Response) {
	if resp == nil {
		var err error
		resp, err = p.get(media)
		if err != nil {
			p.fail(err, CodeFragmentLoad)
			return
		}
	}
	defer resp.Body.Close()

	head := make([]byte, tsPacketSize)
	n, err := io.ReadFull(resp.Body, head)
	if n == 0 {
		detail := "no media bytes"
		if err != nil && !errors.Is(err, io.EOF) {
			detail = redact(err)
		}
		p.send(playback.TransportError(CodeEmptyBody, detail))
		return
	}

	if isTransportStream(resp, media, src.MIMEType) && head[0] != tsSyncByte {
		p.send(playback.MediaError(CodeFragmentParse, fmt.Sprintf("expected MPEG-TS sync byte, got %#x", head[0])))
		return
	}
	p.send(playback.Event{Type: playback.EventPlaying})
}

// fail emits err as a fatal error event. ErrorInfo values keep their own
// layer and code; anything else is a transport error with code.
func (p *pipeline) fail(err error, code string) {
	var info *playback.ErrorInfo
	if errors.As(err, &info) {
		p.send(playback.Event{Type: playback.EventError, Err: info})
		return
	}
	p.send(playback.TransportError(code, redact(err)))
}

// get issues a GET and converts non-2xx statuses into transport ErrorInfo.
func (p *pipeline) get(target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.engine.opts.UserAgent)
	resp, err := p.engine.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &playback.ErrorInfo{
			Fatal:  true,
			Layer:  playback.LayerTransport,
			Code:   fmt.Sprintf("http-%d", resp.StatusCode),
			Detail: http.StatusText(resp.StatusCode),
		}
	}
	return resp, nil
}

// subRequest resolves ref against base and applies the source's request hook.
func (p *pipeline) subRequest(base *url.URL, ref string, src playback.Source) string {
	target := ref
	if u, err := url.Parse(ref); err == nil && base != nil {
		target = base.ResolveReference(u).String()
	}
	if src.RequestHook != nil {
		target = src.RequestHook(target)
	}
	return target
}

func (p *pipeline) waitPlay() bool {
	select {
	case <-p.play:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *pipeline) setMedia(media string) {
	p.mu.Lock()
	p.media = media
	p.mu.Unlock()
}

func requestURL(resp *http.Response, fallback string) *url.URL {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL
	}
	u, _ := url.Parse(fallback)
	return u
}

// isPlaylist decides from the response itself: a playlist content type or
// extension, or a body that opens with #EXTM3U. The source MIME type is not
// consulted: a segmented candidate may point at a raw transport stream.
// The sniffed bytes stay readable through resp.Body.
func isPlaylist(resp *http.Response, final *url.URL) bool {
	target := ""
	if final != nil {
		target = final.String()
	}
	if relay.IsManifest(resp.Header.Get("Content-Type"), target) {
		return true
	}
	br := bufio.NewReader(resp.Body)
	resp.Body = struct {
		io.Reader
		io.Closer
	}{br, resp.Body}
	return opensWithPlaylistTag(br)
}

// opensWithPlaylistTag peeks only as far as needed, so a live stream that
// trickles in is not held up.
func opensWithPlaylistTag(br *bufio.Reader) bool {
	for n := len(playlistTag); n <= maxSniffBytes; n++ {
		buf, err := br.Peek(n)
		rest := bytes.TrimLeft(bytes.TrimPrefix(buf, utf8BOM), " \t\r\n")
		if len(rest) >= len(playlistTag) {
			return bytes.HasPrefix(rest, []byte(playlistTag))
		}
		if !bytes.HasPrefix([]byte(playlistTag), rest) || err != nil {
			return false
		}
	}
	return false
}

func isTransportStream(resp *http.Response, media, mime string) bool {
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "mp2t") || mime == "video/mp2t" {
		return true
	}
	p := media
	if u, err := url.Parse(media); err == nil {
		p = u.Path
		// Relayed media carries the real target in the query.
		if inner := u.Query().Get("url"); inner != "" {
			if iu, err := url.Parse(inner); err == nil {
				p = iu.Path
			}
		}
	}
	return strings.EqualFold(path.Ext(p), ".ts")
}

func readCapped(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &playback.ErrorInfo{Fatal: true, Layer: playback.LayerTransport, Code: CodeManifestParse, Detail: "playlist too large"}
	}
	return data, nil
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Host
	}
	return ""
}

func redact(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Op + ": " + ue.Err.Error()
	}
	return err.Error()
}
