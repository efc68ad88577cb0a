package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Executor ExecutorConfig `json:"executor"`
	HTTP     HTTPConfig     `json:"http"`
	Metrics  MetricsConfig  `json:"metrics"`

	// Telegram enables the telegram.notify action when a token is set.
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the schedule store. Driver is "sqlite" (default)
// or "memory".
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/fitsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// QueueConfig controls the durable job queue.
//
// Driver is "sqlite" (default, shares storage.path unless path is set), "nats"
// or "memory" (jobs are lost on restart).
// All durations are Go duration strings.
type QueueConfig struct {
	Driver            string `json:"driver"`
	Path              string `json:"path,omitempty"`
	NatsURL           string `json:"nats_url,omitempty"`
	Workers           int    `json:"workers,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`
	VisibilityTimeout string `json:"visibility_timeout,omitempty"`
	Retention         string `json:"retention,omitempty"`
}

// ExecutorConfig controls the daily dispatch tick.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - timezone: "UTC"
//   - tick: "0 0 * * *" (midnight)
//   - concurrency: 8
//   - queue: "schedules"
//   - action_timeout: "30s"
type ExecutorConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	Tick          string `json:"tick,omitempty"`
	Concurrency   int    `json:"concurrency,omitempty"`
	Queue         string `json:"queue,omitempty"`
	ActionTimeout string `json:"action_timeout,omitempty"`
	RunOnBoot     *bool  `json:"run_on_boot,omitempty"`
}

// HTTPConfig controls the REST API listener.
type HTTPConfig struct {
	Addr         string  `json:"addr"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	ReadTimeout  string  `json:"read_timeout,omitempty"`
	WriteTimeout string  `json:"write_timeout,omitempty"`
	IdleTimeout  string  `json:"idle_timeout,omitempty"`

	// Token, when set, is required as "Authorization: Bearer <token>" on
	// every route except /healthz and the metrics path.
	Token string `json:"token,omitempty"`

	// Pprof mounts net/http/pprof under /debug when true.
	// Prefer binding addr to localhost when enabled.
	Pprof bool `json:"pprof,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// Timeout is a Go duration string used for API calls.
	Timeout string `json:"timeout,omitempty"`
}

// Resolved carries parsed durations and applied defaults.
type Resolved struct {
	Storage  ResolvedStorage
	Queue    ResolvedQueue
	Executor ResolvedExecutor
	HTTP     ResolvedHTTP
	Metrics  MetricsConfig
}

type ResolvedStorage struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type ResolvedQueue struct {
	Driver            string
	Path              string
	NatsURL           string
	Workers           int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	Retention         time.Duration
}

type ResolvedExecutor struct {
	Enabled       bool
	RunOnBoot     bool
	Location      *time.Location
	Tick          string
	Concurrency   int
	Queue         string
	ActionTimeout time.Duration
}

type ResolvedHTTP struct {
	Addr         string
	RatePerSec   float64
	Burst        int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Token        string
	Pprof        bool
	// Public is set when addr is not loopback and no token is configured.
	Public bool
}

// Resolve validates cfg and fills defaults.
func Resolve(cfg *Config) (Resolved, error) {
	var r Resolved
	if cfg == nil {
		cfg = &Config{}
	}

	// storage
	r.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if r.Storage.Driver == "" {
		r.Storage.Driver = "sqlite"
	}
	switch r.Storage.Driver {
	case "sqlite", "memory":
	default:
		return r, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver)
	}
	r.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	if r.Storage.Path == "" && r.Storage.Driver == "sqlite" {
		r.Storage.Path = "./data/fitsched.db"
	}
	bt, err := ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return r, err
	}
	r.Storage.BusyTimeout = bt

	// queue
	q := &r.Queue
	q.Driver = strings.ToLower(strings.TrimSpace(cfg.Queue.Driver))
	if q.Driver == "" {
		q.Driver = "sqlite"
	}
	switch q.Driver {
	case "sqlite":
		q.Path = strings.TrimSpace(cfg.Queue.Path)
		if q.Path == "" {
			q.Path = r.Storage.Path
		}
		if q.Path == "" {
			return r, fmt.Errorf("queue.path is required when storage.driver=memory")
		}
	case "memory":
	case "nats":
		q.NatsURL = strings.TrimSpace(cfg.Queue.NatsURL)
		if q.NatsURL == "" {
			q.NatsURL = "nats://127.0.0.1:4222"
		}
	default:
		return r, fmt.Errorf("queue.driver: unsupported %q", cfg.Queue.Driver)
	}
	q.Workers = cfg.Queue.Workers
	if q.Workers <= 0 {
		q.Workers = 4
	}
	if q.PollInterval, err = ParseDurationOrDefault("queue.poll_interval", cfg.Queue.PollInterval, time.Second); err != nil {
		return r, err
	}
	if q.VisibilityTimeout, err = ParseDurationOrDefault("queue.visibility_timeout", cfg.Queue.VisibilityTimeout, 5*time.Minute); err != nil {
		return r, err
	}
	if q.Retention, err = ParseDurationOrDefault("queue.retention", cfg.Queue.Retention, 7*24*time.Hour); err != nil {
		return r, err
	}

	// executor
	e := &r.Executor
	e.Enabled = cfg.Executor.Enabled == nil || *cfg.Executor.Enabled
	e.RunOnBoot = cfg.Executor.RunOnBoot == nil || *cfg.Executor.RunOnBoot
	tz := strings.TrimSpace(cfg.Executor.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if e.Location, err = time.LoadLocation(tz); err != nil {
		return r, fmt.Errorf("executor.timezone: %w", err)
	}
	e.Tick = strings.TrimSpace(cfg.Executor.Tick)
	if e.Tick == "" {
		e.Tick = "0 0 * * *"
	}
	e.Concurrency = cfg.Executor.Concurrency
	if e.Concurrency <= 0 {
		e.Concurrency = 8
	}
	e.Queue = strings.TrimSpace(cfg.Executor.Queue)
	if e.Queue == "" {
		e.Queue = "schedules"
	}
	if e.ActionTimeout, err = ParseDurationOrDefault("executor.action_timeout", cfg.Executor.ActionTimeout, 30*time.Second); err != nil {
		return r, err
	}

	// http
	h := &r.HTTP
	h.Addr = strings.TrimSpace(cfg.HTTP.Addr)
	if h.Addr == "" {
		h.Addr = "127.0.0.1:8080"
	}
	h.RatePerSec = cfg.HTTP.RatePerSec
	h.Burst = cfg.HTTP.Burst
	if h.RatePerSec > 0 && h.Burst <= 0 {
		h.Burst = int(h.RatePerSec) + 1
	}
	if h.ReadTimeout, err = ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second); err != nil {
		return r, err
	}
	if h.WriteTimeout, err = ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 30*time.Second); err != nil {
		return r, err
	}
	if h.IdleTimeout, err = ParseDurationOrDefault("http.idle_timeout", cfg.HTTP.IdleTimeout, 60*time.Second); err != nil {
		return r, err
	}
	h.Token = strings.TrimSpace(cfg.HTTP.Token)
	h.Pprof = cfg.HTTP.Pprof
	h.Public = h.Token == "" && !isLoopbackAddr(h.Addr)
	if h.Pprof && h.Public {
		return r, fmt.Errorf("http.pprof: non-loopback addr %q requires http.token", h.Addr)
	}

	r.Metrics = cfg.Metrics
	if strings.TrimSpace(r.Metrics.Path) == "" {
		r.Metrics.Path = "/metrics"
	}
	return r, nil
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
