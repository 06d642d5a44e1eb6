package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override, e.g. HELPER_SERVER_CONTROL_PORT.
const EnvPrefix = "HELPER_"

type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Hub       HubConfig       `yaml:"hub" envPrefix:"HUB_"`
	Session   SessionConfig   `yaml:"session" envPrefix:"SESSION_"`
	Capture   CaptureConfig   `yaml:"capture" envPrefix:"CAPTURE_"`
	Presenter PresenterConfig `yaml:"presenter" envPrefix:"PRESENTER_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Host            string          `yaml:"host" env:"HOST"`
	ControlPort     int             `yaml:"control_port" env:"CONTROL_PORT"`
	OverlayPort     int             `yaml:"overlay_port" env:"OVERLAY_PORT"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

// RateLimitConfig applies per client IP to the mutating endpoints. Zero
// requests disables limiting.
type RateLimitConfig struct {
	Requests int           `yaml:"requests" env:"REQUESTS"`
	Window   time.Duration `yaml:"window" env:"WINDOW"`
}

type HubConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

type SessionConfig struct {
	// OnStartWhileActive is "restart" or "reject".
	OnStartWhileActive string `yaml:"on_start_while_active" env:"ON_START_WHILE_ACTIVE"`
}

type CaptureConfig struct {
	Source         string        `yaml:"source" env:"SOURCE"`
	ChunkInterval  time.Duration `yaml:"chunk_interval" env:"CHUNK_INTERVAL"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	SampleRate     int           `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Channels       int           `yaml:"channels" env:"CHANNELS"`
	STTURL         string        `yaml:"stt_url" env:"STT_URL"`
	STTAPIKey      string        `yaml:"stt_api_key" env:"STT_API_KEY"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	StatusTTL      time.Duration `yaml:"status_ttl" env:"STATUS_TTL"`
}

type PresenterConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	StatusTTL         time.Duration `yaml:"status_ttl" env:"STATUS_TTL"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			ControlPort:     4580,
			OverlayPort:     8765,
			ShutdownTimeout: 5 * time.Second,
			RateLimit: RateLimitConfig{
				Requests: 120,
				Window:   time.Minute,
			},
		},
		Hub: HubConfig{
			SubscriberBuffer: 64,
			SweepInterval:    time.Second,
		},
		Session: SessionConfig{
			OnStartWhileActive: "restart",
		},
		Capture: CaptureConfig{
			Source:         "silence",
			ChunkInterval:  2 * time.Second,
			PollInterval:   100 * time.Millisecond,
			SampleRate:     16000,
			Channels:       1,
			RequestTimeout: 10 * time.Second,
			StatusTTL:      5 * time.Second,
		},
		Presenter: PresenterConfig{
			HeartbeatInterval: 5 * time.Second,
			StatusTTL:         6 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return finish(cfg)
}

// LoadOrDefault is Load, except that a missing file yields the defaults
// (still subject to environment overrides).
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		cfg, err := Load(path)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	return finish(defaultConfig())
}

func finish(cfg *Config) (*Config, error) {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// maxStopLatency bounds every interval a worker sleeps between stop checks.
const maxStopLatency = time.Second

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(validPort(c.Server.ControlPort), "server.control_port %d out of range", c.Server.ControlPort)
	check(validPort(c.Server.OverlayPort), "server.overlay_port %d out of range", c.Server.OverlayPort)
	check(c.Server.ControlPort != c.Server.OverlayPort || c.Server.ControlPort == 0,
		"server.control_port and server.overlay_port must differ")
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")
	check(c.Server.RateLimit.Requests >= 0, "server.rate_limit.requests must not be negative")
	check(c.Server.RateLimit.Requests == 0 || c.Server.RateLimit.Window > 0,
		"server.rate_limit.window must be positive when requests is set")

	check(c.Hub.SubscriberBuffer > 0, "hub.subscriber_buffer must be positive")
	check(c.Hub.SweepInterval > 0, "hub.sweep_interval must be positive")

	switch c.Session.OnStartWhileActive {
	case "restart", "reject":
	default:
		errs = append(errs, fmt.Errorf("session.on_start_while_active %q must be restart or reject", c.Session.OnStartWhileActive))
	}

	switch c.Capture.Source {
	case "silence", "none":
	default:
		errs = append(errs, fmt.Errorf("capture.source %q must be silence or none", c.Capture.Source))
	}
	check(c.Capture.ChunkInterval > 0, "capture.chunk_interval must be positive")
	check(c.Capture.PollInterval > 0 && c.Capture.PollInterval <= maxStopLatency,
		"capture.poll_interval must be in (0, %s]", maxStopLatency)
	check(c.Capture.SampleRate > 0, "capture.sample_rate must be positive")
	check(c.Capture.Channels > 0, "capture.channels must be positive")
	check(c.Capture.RequestTimeout > 0, "capture.request_timeout must be positive")
	check(c.Capture.StatusTTL > 0, "capture.status_ttl must be positive")

	check(c.Presenter.HeartbeatInterval > 0, "presenter.heartbeat_interval must be positive")
	check(c.Presenter.StatusTTL > 0, "presenter.status_ttl must be positive")

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}

	return errors.Join(errs...)
}

func validPort(p int) bool { return p >= 0 && p <= 65535 }

// Diff lists the settings that differ between old and new, for logging what
// a config file or environment changed relative to the defaults. Secrets are
// reported as changed without their values.
func Diff(old, new *Config) []string {
	var changes []string
	add := func(key string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			changes = append(changes, fmt.Sprintf("%s: %v → %v", key, a, b))
		}
	}

	add("server.host", old.Server.Host, new.Server.Host)
	add("server.control_port", old.Server.ControlPort, new.Server.ControlPort)
	add("server.overlay_port", old.Server.OverlayPort, new.Server.OverlayPort)
	add("server.shutdown_timeout", old.Server.ShutdownTimeout, new.Server.ShutdownTimeout)
	add("server.allowed_origins", old.Server.AllowedOrigins, new.Server.AllowedOrigins)
	add("server.rate_limit.requests", old.Server.RateLimit.Requests, new.Server.RateLimit.Requests)
	add("server.rate_limit.window", old.Server.RateLimit.Window, new.Server.RateLimit.Window)
	add("hub.subscriber_buffer", old.Hub.SubscriberBuffer, new.Hub.SubscriberBuffer)
	add("hub.sweep_interval", old.Hub.SweepInterval, new.Hub.SweepInterval)
	add("session.on_start_while_active", old.Session.OnStartWhileActive, new.Session.OnStartWhileActive)
	add("capture.source", old.Capture.Source, new.Capture.Source)
	add("capture.chunk_interval", old.Capture.ChunkInterval, new.Capture.ChunkInterval)
	add("capture.poll_interval", old.Capture.PollInterval, new.Capture.PollInterval)
	add("capture.sample_rate", old.Capture.SampleRate, new.Capture.SampleRate)
	add("capture.channels", old.Capture.Channels, new.Capture.Channels)
	add("capture.stt_url", old.Capture.STTURL, new.Capture.STTURL)
	if old.Capture.STTAPIKey != new.Capture.STTAPIKey {
		changes = append(changes, "capture.stt_api_key: changed")
	}
	add("capture.request_timeout", old.Capture.RequestTimeout, new.Capture.RequestTimeout)
	add("capture.status_ttl", old.Capture.StatusTTL, new.Capture.StatusTTL)
	add("presenter.heartbeat_interval", old.Presenter.HeartbeatInterval, new.Presenter.HeartbeatInterval)
	add("presenter.status_ttl", old.Presenter.StatusTTL, new.Presenter.StatusTTL)
	add("log.level", old.Log.Level, new.Log.Level)
	add("log.format", old.Log.Format, new.Log.Format)
	return changes
}
