package shared

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type LogConfig struct {
	File       string `yaml:"file" env:"LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB" envDefault:"10"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS" envDefault:"2"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS" envDefault:"3"`
	Compress   bool   `yaml:"compress" env:"LOG_COMPRESS"`
}

// NegotiationConfig holds the independently tunable limits of a connection attempt.
type NegotiationConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT" envDefault:"60s"`
	SettleDelay     time.Duration `yaml:"settle_delay" env:"SETTLE_DELAY" envDefault:"1s"`
	SettleThreshold int           `yaml:"settle_threshold" env:"SETTLE_THRESHOLD" envDefault:"10000"`
	TruncateAt      int           `yaml:"truncate_at" env:"DOCUMENT_TRUNCATE_AT" envDefault:"20000"`
	ICEServers      []string      `yaml:"ice_servers" env:"ICE_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
}

type Config struct {
	// Provider secret; only the signaling server reads it.
	OpenAIKey     string `yaml:"-" env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `yaml:"openai_base_url" env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`

	SignalingURL       string `yaml:"signaling_url" env:"SIGNALING_URL" envDefault:"http://localhost:3001"`
	SignalingAddr      string `yaml:"signaling_addr" env:"SIGNALING_ADDR" envDefault:":3001"`
	RealtimeURL        string `yaml:"realtime_url" env:"REALTIME_URL" envDefault:"https://api.openai.com/v1"`
	RealtimeModel      string `yaml:"realtime_model" env:"REALTIME_MODEL" envDefault:"gpt-4o-realtime-preview-2024-10-01"`
	SessionModel       string `yaml:"session_model" env:"SESSION_MODEL" envDefault:"gpt-4o-mini-realtime-preview-2024-12-17"`
	Voice              string `yaml:"voice" env:"VOICE" envDefault:"alloy"`
	SocketURL          string `yaml:"socket_url" env:"SOCKET_URL" envDefault:"ws://localhost:3001/"`
	DocumentServiceURL string `yaml:"document_service_url" env:"DOCUMENT_SERVICE_URL"`
	// AllowedOrigins are the browser origins the signaling server answers CORS requests for.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	Log         LogConfig         `yaml:"log"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
}

// LoadConfig reads an optional .env file, then an optional YAML file, then lets the
// environment override both. An empty path skips the YAML step.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	cfg := new(Config)
	// Populate defaults first so a partial YAML file keeps them.
	if err := env.ParseWithOptions(cfg, env.Options{}); err != nil {
		return nil, fmt.Errorf("parsing environment defaults: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding config file: %w", err)
		}
		// Environment wins over the file. No field carries the envFileOverride tag,
		// so this pass applies set variables only and leaves file values alone.
		if err := env.ParseWithOptions(cfg, env.Options{DefaultValueTagName: "envFileOverride"}); err != nil {
			return nil, fmt.Errorf("parsing environment: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Negotiation.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if c.Negotiation.TruncateAt <= 0 {
		return errors.New("document truncation threshold must be positive")
	}
	if c.Negotiation.SettleThreshold < 0 || c.Negotiation.SettleDelay < 0 {
		return errors.New("settle threshold and delay must not be negative")
	}
	return nil
}
