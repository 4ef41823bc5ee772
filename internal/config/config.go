// Package config loads agent settings from the environment and the identity file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DefaultInterval = 300 * time.Second
	MaxInterval     = 604800 * time.Second
)

// Config is read from AGENT_* environment variables.
type Config struct {
	ServerURL  string `env:"SERVER_URL" envDefault:"https://api.sealion.com"`
	AuthPath   string `env:"AUTH_PATH" envDefault:"/agents/1/sessions"`
	DataPath   string `env:"DATA_PATH" envDefault:"/agents/1/data/activities/"`
	ConfigPath string `env:"CONFIG_PATH" envDefault:"/agents/1/config"`

	PushURL  string `env:"PUSH_URL"`
	PushPath string `env:"PUSH_PATH" envDefault:"/socket.io/"`

	// MaxConnectAttempts below zero means retry forever every UnlimitedRetryInterval.
	MaxConnectAttempts     int           `env:"MAX_CONNECT_ATTEMPTS" envDefault:"-1"`
	ReconnectIntervals     []int         `env:"RECONNECT_INTERVALS" envSeparator:"," envDefault:"5,10,30,60,300"`
	UnlimitedRetryInterval time.Duration `env:"UNLIMITED_RETRY_INTERVAL" envDefault:"5m"`

	DefaultInterval time.Duration `env:"DEFAULT_INTERVAL" envDefault:"300s"`
	MaxInterval     time.Duration `env:"MAX_INTERVAL" envDefault:"604800s"`
	StaggerStep     time.Duration `env:"STAGGER_STEP" envDefault:"500ms"`
	StaggerWindow   time.Duration `env:"STAGGER_WINDOW" envDefault:"1m"`
	DrainInterval   time.Duration `env:"DRAIN_INTERVAL" envDefault:"30s"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`

	DBPath       string `env:"DB_PATH" envDefault:"var/dbs/repository.db"`
	LockFile     string `env:"LOCK_FILE" envDefault:"var/run/hostagent.pid"`
	LogFile      string `env:"LOG_FILE"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	StatusAddr   string `env:"STATUS_ADDR"`
	StatusDebug  bool   `env:"STATUS_DEBUG"`
	IdentityFile string `env:"IDENTITY_FILE" envDefault:"etc/config/agent-config.json"`
	HTTPProxy    string `env:"HTTP_PROXY"`

	UpdateScript    string `env:"UPDATE_SCRIPT" envDefault:"etc/update.sh"`
	UninstallScript string `env:"UNINSTALL_SCRIPT" envDefault:"uninstall.sh"`
	RestartScript   string `env:"RESTART_SCRIPT" envDefault:"etc/restart-agent.sh"`
	ScriptLogDir    string `env:"SCRIPT_LOG_DIR" envDefault:"/tmp"`

	Codes Codes `envPrefix:"CODE_"`
}

// Codes are the nested application error codes the collector returns
// alongside 4xx statuses. They are part of the server contract and vary
// between server releases, so they are configurable.
type Codes struct {
	SessionInvalid  int `env:"SESSION_INVALID" envDefault:"200001"`
	PayloadMissing  int `env:"PAYLOAD_MISSING" envDefault:"200002"`
	UnknownActivity int `env:"UNKNOWN_ACTIVITY" envDefault:"200003"`
	NotAuthorized   int `env:"NOT_AUTHORIZED" envDefault:"200004"`
	AgentRemoved    int `env:"AGENT_REMOVED" envDefault:"200006"`
	Duplicate       int `env:"DUPLICATE" envDefault:"204011"`
}

// Load reads an optional .env file and then the AGENT_* environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "AGENT_"}); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, cfg.Validate()
}

// Sanitize applies guard rails to values loaded from the environment.
func (c *Config) Sanitize() {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.PushURL == "" {
		c.PushURL = c.ServerURL
	}
	if c.DefaultInterval <= 0 || c.DefaultInterval > MaxInterval {
		c.DefaultInterval = DefaultInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = MaxInterval
	}
	if c.StaggerStep <= 0 {
		c.StaggerStep = 500 * time.Millisecond
	}
	if c.StaggerWindow < c.StaggerStep {
		c.StaggerWindow = time.Minute
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 30 * time.Second
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.UnlimitedRetryInterval <= 0 {
		c.UnlimitedRetryInterval = 5 * time.Minute
	}
	kept := c.ReconnectIntervals[:0]
	for _, s := range c.ReconnectIntervals {
		if s > 0 {
			kept = append(kept, s)
		}
	}
	c.ReconnectIntervals = kept
	if len(c.ReconnectIntervals) == 0 {
		c.ReconnectIntervals = []int{5}
	}
}

func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("AGENT_SERVER_URL is required")
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("AGENT_SERVER_URL %q must be an http(s) URL", c.ServerURL)
	}
	return nil
}

// Backoff returns the reconnect sequence as durations.
func (c *Config) Backoff() []time.Duration {
	out := make([]time.Duration, len(c.ReconnectIntervals))
	for i, s := range c.ReconnectIntervals {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}
