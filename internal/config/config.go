// Package config loads and validates the dealroom service settings from a
// goconfig accessor, with environment overrides for secrets and endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/dealroom/internal/util"
)

// Source is the subset of goconfig.ConfigAccessor the loader reads from
type Source interface {
	ConfigStringWithDefault(key, defaultValue string) (string, error)
	ConfigIntWithDefault(key string, defaultValue int) (int, error)
	ConfigBoolWithDefault(key string, defaultValue bool) (bool, error)
}

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Realtime RealtimeConfig
	Redis    RedisConfig
	NATS     NATSConfig
	History  HistoryConfig
	Log      LogConfig
}

// ServerConfig holds the HTTP surface settings
type ServerConfig struct {
	Port                   int
	PathPrefix             string
	JWTSecret              string
	AllowedOrigins         []string // WebSocket origins; empty allows all
	CORSAllowedOrigins     []string
	AdminRateLimit         int
	AdminRateWindow        time.Duration
	TrustedProxies         []string
	MetricsAllowedNetworks []string
}

// RealtimeConfig tunes the connection manager and WebSocket transport
type RealtimeConfig struct {
	QueueSize         int
	RateLimitMessages int
	RateLimitWindow   time.Duration
	SendBuffer        int
	PingInterval      time.Duration
	PongTimeout       time.Duration
	MaxMissedPongs    int
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	ProgressInterval  time.Duration
	InboundRateLimit  int
	PresenceUpdates   int
	QueueTTL          time.Duration
}

// RedisConfig enables the presence mirror when URL is set
type RedisConfig struct {
	URL string
}

// NATSConfig enables domain event ingress when URL is set
type NATSConfig struct {
	URL     string
	Subject string
	Queue   string
}

// HistoryConfig names the connection report collection
type HistoryConfig struct {
	Database   string
	Collection string
}

// LogConfig mirrors the golog settings
type LogConfig struct {
	Dir            string
	Level          string
	StandardOutput bool
}

// loader accumulates the first read error so Load stays linear
type loader struct {
	src Source
	err error
}

func (l *loader) str(key, def string) string {
	if l.err != nil {
		return def
	}
	v, err := l.src.ConfigStringWithDefault(key, def)
	if err != nil {
		l.err = fmt.Errorf("failed to read %s: %w", key, err)
		return def
	}
	return v
}

// strEnv prefers a non-empty environment variable over the config file
func (l *loader) strEnv(env, key, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return l.str(key, def)
}

func (l *loader) integer(key string, def int) int {
	if l.err != nil {
		return def
	}
	v, err := l.src.ConfigIntWithDefault(key, def)
	if err != nil {
		l.err = fmt.Errorf("failed to read %s: %w", key, err)
		return def
	}
	return v
}

func (l *loader) boolean(key string, def bool) bool {
	if l.err != nil {
		return def
	}
	v, err := l.src.ConfigBoolWithDefault(key, def)
	if err != nil {
		l.err = fmt.Errorf("failed to read %s: %w", key, err)
		return def
	}
	return v
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	s := l.str(key, def.String())
	if l.err != nil {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		l.err = fmt.Errorf("invalid duration for %s: %w", key, err)
		return def
	}
	return d
}

// Load reads every setting from src and validates the result.
// JWT_SECRET, DEALROOM_PATH_PREFIX, REDIS_URL and NATS_URL override the file.
func Load(src Source) (*Config, error) {
	l := &loader{src: src}

	cfg := &Config{
		Server: ServerConfig{
			Port:                   l.integer("server.port", constants.DefaultPort),
			PathPrefix:             l.strEnv("DEALROOM_PATH_PREFIX", "dealroom.path_prefix", constants.DefaultPathPrefix),
			JWTSecret:              l.strEnv("JWT_SECRET", "dealroom.jwt_secret", ""),
			AllowedOrigins:         SplitList(l.str("dealroom.allowed_origins", "")),
			CORSAllowedOrigins:     SplitList(l.str("dealroom.cors_allowed_origins", "")),
			AdminRateLimit:         l.integer("dealroom.admin_rate_limit", constants.DefaultAdminRateLimit),
			AdminRateWindow:        l.duration("dealroom.admin_rate_window", constants.DefaultRateWindow),
			TrustedProxies:         SplitList(l.str("dealroom.trusted_proxies", constants.DefaultTrustedProxies)),
			MetricsAllowedNetworks: SplitList(l.str("dealroom.metrics_allowed_networks", constants.DefaultMetricsAllowedNetworks)),
		},
		Realtime: RealtimeConfig{
			QueueSize:         l.integer("dealroom.queue_size", constants.DefaultQueueSize),
			RateLimitMessages: l.integer("dealroom.rate_limit_messages", constants.DefaultRateLimitMessages),
			RateLimitWindow:   l.duration("dealroom.rate_limit_window", constants.DefaultRateLimitWindow),
			SendBuffer:        l.integer("dealroom.send_buffer", constants.DefaultSendBuffer),
			PingInterval:      l.duration("dealroom.ping_interval", constants.DefaultPingInterval),
			PongTimeout:       l.duration("dealroom.pong_timeout", constants.DefaultPongTimeout),
			MaxMissedPongs:    l.integer("dealroom.max_missed_pongs", constants.DefaultMaxMissedPongs),
			WriteTimeout:      l.duration("dealroom.write_timeout", constants.DefaultWriteTimeout),
			MaxMessageSize:    int64(l.integer("dealroom.max_message_size", constants.DefaultMaxMessageSize)),
			ProgressInterval:  l.duration("dealroom.progress_interval", constants.DefaultProgressInterval),
			InboundRateLimit:  l.integer("dealroom.inbound_rate_limit", constants.DefaultRateLimitMessages),
			PresenceUpdates:   l.integer("dealroom.presence_updates", constants.DefaultPresenceUpdates),
			QueueTTL:          l.duration("dealroom.queue_ttl", constants.DefaultQueueTTL),
		},
		Redis: RedisConfig{
			URL: l.strEnv("REDIS_URL", "redis.url", ""),
		},
		NATS: NATSConfig{
			URL:     l.strEnv("NATS_URL", "nats.url", ""),
			Subject: l.str("nats.subject", constants.DefaultNATSSubject),
			Queue:   l.str("nats.queue", constants.DefaultNATSQueue),
		},
		History: HistoryConfig{
			Database:   l.str("dealroom.history_db", constants.DefaultHistoryDatabase),
			Collection: l.str("dealroom.history_collection", constants.DefaultHistoryCollection),
		},
		Log: LogConfig{
			Dir:            l.str("log.dir", constants.DefaultLogDir),
			Level:          l.str("log.level", constants.DefaultLogLevel),
			StandardOutput: l.boolean("log.standardOutput", true),
		},
	}

	if l.err != nil {
		return nil, l.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every setting and reports all problems at once
func (c *Config) Validate() error {
	var errs []error

	if err := util.ValidateRange(c.Server.Port, 1, 65535, "server port"); err != nil {
		errs = append(errs, err)
	}
	if err := ValidateJWTSecret(c.Server.JWTSecret); err != nil {
		errs = append(errs, err)
	}
	if c.Server.PathPrefix == "" {
		errs = append(errs, errors.New("path prefix cannot be empty"))
	} else if !strings.HasPrefix(c.Server.PathPrefix, "/") {
		errs = append(errs, fmt.Errorf("path prefix must start with '/' (got: %s)", c.Server.PathPrefix))
	}
	if err := util.ValidatePositive(c.Server.AdminRateLimit, "admin rate limit"); err != nil {
		errs = append(errs, err)
	}
	if err := util.ValidatePositiveDuration(c.Server.AdminRateWindow, "admin rate window"); err != nil {
		errs = append(errs, err)
	}

	r := c.Realtime
	for _, check := range []struct {
		value int
		name  string
	}{
		{r.QueueSize, "queue size"},
		{r.RateLimitMessages, "rate limit messages"},
		{r.SendBuffer, "send buffer"},
		{r.MaxMissedPongs, "max missed pongs"},
		{int(r.MaxMessageSize), "max message size"},
		{r.InboundRateLimit, "inbound rate limit"},
		{r.PresenceUpdates, "presence updates"},
	} {
		if err := util.ValidatePositive(check.value, check.name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, check := range []struct {
		value time.Duration
		name  string
	}{
		{r.RateLimitWindow, "rate limit window"},
		{r.PingInterval, "ping interval"},
		{r.PongTimeout, "pong timeout"},
		{r.WriteTimeout, "write timeout"},
		{r.ProgressInterval, "progress interval"},
		{r.QueueTTL, "queue ttl"},
	} {
		if err := util.ValidatePositiveDuration(check.value, check.name); err != nil {
			errs = append(errs, err)
		}
	}
	if r.PongTimeout > 0 && r.PingInterval > 0 && r.PongTimeout >= r.PingInterval {
		errs = append(errs, fmt.Errorf("pong timeout (%v) must be shorter than ping interval (%v)", r.PongTimeout, r.PingInterval))
	}

	// a full backlog plus the welcome must fit the outbound channel on reconnect
	if r.QueueSize > 0 && r.SendBuffer > 0 && r.QueueSize >= r.SendBuffer {
		errs = append(errs, fmt.Errorf("queue size (%d) must be smaller than send buffer (%d)", r.QueueSize, r.SendBuffer))
	}

	if c.NATS.URL != "" && c.NATS.Subject == "" {
		errs = append(errs, errors.New("nats subject is required when nats url is set"))
	}
	if c.History.Database == "" || c.History.Collection == "" {
		errs = append(errs, errors.New("history database and collection are required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateJWTSecret rejects missing, short, placeholder and weak secrets
func ValidateJWTSecret(secret string) error {
	if secret == "" {
		return errors.New("JWT secret is required")
	}
	if len(secret) < constants.MinJWTSecretLength {
		return fmt.Errorf("JWT secret must be at least %d characters (got %d). "+
			"Generate a strong secret with: openssl rand -base64 32",
			constants.MinJWTSecretLength, len(secret))
	}
	if weak, pattern := util.ContainsWeakPattern(secret, constants.WeakSecrets); weak {
		return fmt.Errorf("JWT secret appears to be weak (contains '%s'). "+
			"Use a cryptographically random secret generated with: openssl rand -base64 32", pattern)
	}
	return nil
}

// SplitList splits a comma separated setting, trimming blanks
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
