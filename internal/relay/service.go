package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultUserAgent        = "IPTVPlayer/1.0"
	DefaultManifestMaxBytes = 4 << 20
	DefaultControlTimeout   = 30 * time.Second

	defaultControlContentType = "application/json"
)

// forwardedRequestHeaders are copied from the client to the upstream request.
var forwardedRequestHeaders = []string{"Range", "If-Range"}

// Options configure a Service. Zero values select the defaults.
type Options struct {
	UserAgent        string
	ManifestMaxBytes int64
	// Cache and CacheTTL enable control-plane response caching when both are set.
	Cache    ResponseCache
	CacheTTL time.Duration
	// ControlTimeout bounds a shared control-plane fetch, which outlives the
	// caller that started it.
	ControlTimeout time.Duration
}

// Service performs the upstream half of the relay: target validation, the
// outbound fetch with the fixed User-Agent, manifest reads and control-plane
// caching. It holds no per-request state.
type Service struct {
	client *http.Client
	log    *slog.Logger
	opts   Options
	group  singleflight.Group
}

// NewService returns a Service that fetches with client.
func NewService(client *http.Client, log *slog.Logger, opts Options) *Service {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.ManifestMaxBytes <= 0 {
		opts.ManifestMaxBytes = DefaultManifestMaxBytes
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = DefaultControlTimeout
	}
	return &Service{client: client, log: log, opts: opts}
}

// ParseTarget validates a relay target: it must be an absolute http or https URL.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingTarget
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, ErrInvalidTarget
	}
	if u.Host == "" {
		return nil, ErrInvalidTarget
	}
	return u, nil
}

// Open issues the upstream GET for a media-plane request and returns the
// response with its body unread. The caller must close the body. Cancelling
// ctx aborts the fetch, including a body that is still streaming.
func (s *Service) Open(ctx context.Context, target *url.URL, clientHeader http.Header) (*http.Response, error) {
	req, err := s.newRequest(ctx, target)
	if err != nil {
		return nil, err
	}
	for _, h := range forwardedRequestHeaders {
		if v := clientHeader.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch upstream: %w", err)
	}
	return resp, nil
}

// ReadManifest reads a playlist body, failing with ErrManifestTooLarge when it
// exceeds the configured cap.
func (s *Service) ReadManifest(body io.Reader) ([]byte, error) {
	limit := s.opts.ManifestMaxBytes
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrManifestTooLarge
	}
	return data, nil
}

// Control performs a control-plane fetch and buffers the response. Fresh 2xx
// responses are served from the cache; concurrent identical calls share one
// upstream fetch. hit reports whether the response came from the cache.
//
// The shared fetch runs detached from every caller, so a caller that goes
// away gets ctx.Err() without failing the others still waiting on it.
func (s *Service) Control(ctx context.Context, target *url.URL) (resp CachedResponse, hit bool, err error) {
	key := target.String()
	if s.cacheEnabled() {
		cached, ok, err := s.opts.Cache.Get(ctx, key)
		if err != nil {
			s.log.Warn("response cache read failed", slog.String("error", err.Error()))
		} else if ok {
			return cached, true, nil
		}
	}

	ch := s.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ControlTimeout)
		defer cancel()
		resp, err := s.fetchControl(fctx, target)
		if err != nil {
			return CachedResponse{}, err
		}
		if s.cacheEnabled() && resp.Status >= 200 && resp.Status < 300 {
			if err := s.opts.Cache.Set(fctx, key, resp, s.opts.CacheTTL); err != nil {
				s.log.Warn("response cache write failed", slog.String("error", err.Error()))
			}
		}
		return resp, nil
	})

	select {
	case <-ctx.Done():
		return CachedResponse{}, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return CachedResponse{}, false, r.Err
		}
		return r.Val.(CachedResponse), false, nil
	}
}

func (s *Service) fetchControl(ctx context.Context, target *url.URL) (CachedResponse, error) {
	req, err := s.newRequest(ctx, target)
	if err != nil {
		return CachedResponse{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return CachedResponse{}, fmt.Errorf("fetch upstream: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CachedResponse{}, fmt.Errorf("read upstream body: %w", err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultControlContentType
	}
	return CachedResponse{
		Status:      resp.StatusCode,
		ContentType: ct,
		Body:        body,
		StoredAt:    time.Now().UTC(),
	}, nil
}

func (s *Service) newRequest(ctx context.Context, target *url.URL) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	return req, nil
}

func (s *Service) cacheEnabled() bool {
	return s.opts.Cache != nil && s.opts.CacheTTL > 0
}

// hostOf returns only the host of a target; panel URLs carry credentials in
// the path and must not reach the logs.
func hostOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Host
}

// redact drops the request URL from transport errors for the same reason.
func redact(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Op + ": " + ue.Err.Error()
	}
	return err.Error()
}
