// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay and the sender CLI.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/postmark-relay/internal/dispatch"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// maxMessageSizeLimit keeps the size limit representable as an int on
// every platform.
const maxMessageSizeLimit = math.MaxInt32

// Transport names accepted in Config.Transport.
const (
	TransportPostmark = "postmark"
	TransportSES      = "ses"
	TransportStdout   = "stdout"
)

var (
	// ErrMissingAPIKey is returned by Validate for the postmark transport
	// without a server token.
	ErrMissingAPIKey = errors.New("postmark.api_key is required for the postmark transport")

	// ErrUnknownTransport is returned by Validate for an unsupported transport.
	ErrUnknownTransport = errors.New("unknown transport")
)

// Config holds the complete application configuration.
type Config struct {
	Transport string         `yaml:"transport"`
	Postmark  PostmarkConfig `yaml:"postmark"`
	SES       SESConfig      `yaml:"ses"`
	SMTP      SMTPConfig     `yaml:"smtp"`
	TLS       TLSConfig      `yaml:"tls"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// PostmarkConfig holds the Postmark account settings applied to every dispatch.
type PostmarkConfig struct {
	APIKey      string `yaml:"api_key"`
	DefaultFrom string `yaml:"default_from"`

	// TrackOpens is left unset (nil) unless configured explicitly.
	TrackOpens *bool `yaml:"track_opens"`

	BaseURL string `yaml:"base_url"`

	// Timeout is a Go duration string such as "30s".
	Timeout string `yaml:"timeout"`
}

// SESConfig holds AWS SES settings. Empty credentials fall back to the
// default AWS credential chain.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	Hostname       string `yaml:"hostname"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()
	cfg.Transport = strings.ToLower(cfg.Transport)

	return cfg, nil
}

// Dispatch returns the per-dispatch configuration derived from the Postmark
// section.
func (c *Config) Dispatch() dispatch.Config {
	var trackOpens *bool
	if c.Postmark.TrackOpens != nil {
		v := *c.Postmark.TrackOpens
		trackOpens = &v
	}
	return dispatch.Config{
		APIKey:             c.Postmark.APIKey,
		DefaultFromAddress: c.Postmark.DefaultFrom,
		TrackOpens:         trackOpens,
	}
}

// PostmarkTimeout parses Postmark.Timeout. An empty value yields zero, which
// leaves the client default in place.
func (c *Config) PostmarkTimeout() (time.Duration, error) {
	if c.Postmark.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Postmark.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid postmark.timeout %q: %w", c.Postmark.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid postmark.timeout %q: must not be negative", c.Postmark.Timeout)
	}
	return d, nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// Validate checks that the selected transport has what it needs.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportPostmark:
		if c.Postmark.APIKey == "" {
			return ErrMissingAPIKey
		}
		if _, err := c.PostmarkTimeout(); err != nil {
			return err
		}
	case TransportSES:
		if !c.SESConfigured() {
			return errors.New("ses.region is required for the ses transport")
		}
	case TransportStdout:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
	}

	if c.SMTP.MaxMessageSize <= 0 {
		return fmt.Errorf("smtp.max_message_size must be positive, got %d", c.SMTP.MaxMessageSize)
	}
	if c.SMTP.MaxMessageSize > maxMessageSizeLimit {
		return fmt.Errorf("smtp.max_message_size must not exceed %d, got %d", maxMessageSizeLimit, c.SMTP.MaxMessageSize)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Transport = TransportPostmark
	c.SMTP.Listen = ":2525"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.Hostname = "localhost"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("TRANSPORT"); v != "" {
		c.Transport = strings.ToLower(v)
	}

	if v := os.Getenv("POSTMARK_API_KEY"); v != "" {
		c.Postmark.APIKey = v
	}
	if v := os.Getenv("POSTMARK_DEFAULT_FROM"); v != "" {
		c.Postmark.DefaultFrom = v
	}
	if v := os.Getenv("POSTMARK_TRACK_OPENS"); v != "" {
		// Unparsable values leave tracking unset.
		if b, err := strconv.ParseBool(v); err == nil {
			c.Postmark.TrackOpens = &b
		} else {
			c.Postmark.TrackOpens = nil
		}
	}
	if v := os.Getenv("POSTMARK_BASE_URL"); v != "" {
		c.Postmark.BaseURL = v
	}
	if v := os.Getenv("POSTMARK_TIMEOUT"); v != "" {
		c.Postmark.Timeout = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
