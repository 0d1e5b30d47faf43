package config

import "time"

// Server holds the process-level settings.
type Server struct {
	Port      string
	LogLevel  string
	LogFormat string
}

// Relay holds the request relay settings.
type Relay struct {
	// Path is where the relay endpoint is mounted.
	Path string
	// PublicURL is the absolute relay endpoint written into rewritten
	// playlists. Empty means Path, which browsers resolve against the relay host.
	PublicURL        string
	UserAgent        string
	HeaderTimeout    time.Duration
	ManifestMaxBytes int64
	// APICacheTTL of zero disables the control-plane response cache.
	APICacheTTL time.Duration
	// RateLimitPerMinute of zero disables per-IP rate limiting.
	RateLimitPerMinute int
	// RedisURL selects the Redis response cache when set.
	RedisURL string
}

// Endpoint returns the URL prefix used when wrapping targets.
func (r Relay) Endpoint() string {
	if r.PublicURL != "" {
		return r.PublicURL
	}
	return r.Path
}

// Playback holds the session tuning knobs.
type Playback struct {
	RetryBudget    int
	StartupTimeout time.Duration
	// CheckTimeout bounds one headless playback check end to end.
	CheckTimeout time.Duration
	// CheckViaRelay runs headless checks as a browser would, through the relay.
	CheckViaRelay bool
}

const (
	DefaultRelayPath        = "/relay"
	DefaultUserAgent        = "IPTVPlayer/1.0"
	DefaultManifestMaxBytes = 4 << 20
)

// LoadServer reads PORT, LOG_LEVEL and LOG_FORMAT.
func LoadServer() Server {
	return Server{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),
	}
}

// LoadRelay reads the RELAY_* keys and REDIS_URL.
func LoadRelay() Relay {
	return Relay{
		Path:               GetEnv("RELAY_PATH", DefaultRelayPath),
		PublicURL:          GetEnv("RELAY_PUBLIC_URL", ""),
		UserAgent:          GetEnv("RELAY_USER_AGENT", DefaultUserAgent),
		HeaderTimeout:      GetEnvDuration("RELAY_HEADER_TIMEOUT", 15*time.Second),
		ManifestMaxBytes:   GetEnvInt64("RELAY_MANIFEST_MAX_BYTES", DefaultManifestMaxBytes),
		APICacheTTL:        GetEnvDuration("RELAY_API_CACHE_TTL", 0),
		RateLimitPerMinute: GetEnvInt("RELAY_RATE_LIMIT_PER_MINUTE", 0),
		RedisURL:           GetEnv("REDIS_URL", ""),
	}
}

// LoadPlayback reads the PLAYBACK_* keys. Zero values fall through to the
// session defaults.
func LoadPlayback() Playback {
	return Playback{
		RetryBudget:    GetEnvInt("PLAYBACK_RETRY_BUDGET", 3),
		StartupTimeout: GetEnvDuration("PLAYBACK_STARTUP_TIMEOUT", 12*time.Second),
		CheckTimeout:   GetEnvDuration("PLAYBACK_CHECK_TIMEOUT", 45*time.Second),
		CheckViaRelay:  GetEnvBool("PLAYBACK_CHECK_VIA_RELAY", false),
	}
}
