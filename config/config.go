// Package config loads service configuration from a YAML file with ${ENV}
// expansion. Secrets stay out of the file and come in via environment
// variables, optionally from a .env file.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"hn-digest/pkg/digest"
)

type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Store    StoreConfig   `yaml:"store"`
	Feed     FeedConfig    `yaml:"feed"`
	Mail     MailConfig    `yaml:"mail"`
	Digest   DigestConfig  `yaml:"digest"`
	Captcha  CaptchaConfig `yaml:"captcha"`
	LogLevel string        `yaml:"log_level"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// BaseURL is the externally reachable root used in email links.
	BaseURL string `yaml:"base_url"`
	// PagesBaseURL hosts the static result pages users are redirected to
	// after verify/unsubscribe. Defaults to BaseURL.
	PagesBaseURL string `yaml:"pages_base_url"`
}

type StoreConfig struct {
	// Backend selects the storage implementation: "gcs" or "bolt".
	Backend  string `yaml:"backend"`
	Bucket   string `yaml:"bucket"`
	BoltPath string `yaml:"bolt_path"`
}

type FeedConfig struct {
	BaseURL string `yaml:"base_url"`
}

type MailConfig struct {
	// Provider selects the mail implementation: "brevo", "gmail", or "mock".
	Provider    string `yaml:"provider"`
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
	BrevoAPIKey string `yaml:"brevo_api_key"`
}

type DigestConfig struct {
	// Hour is the UTC hour of the daily run.
	Hour            int   `yaml:"hour"`
	TopN            []int `yaml:"top_n"`
	PointThresholds []int `yaml:"point_thresholds"`
}

type CaptchaConfig struct {
	// TurnstileSecret enables Cloudflare Turnstile checks on subscribe
	// requests. Empty disables the captcha.
	TurnstileSecret string `yaml:"turnstile_secret"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	// -1 marks the hour unset so a configured midnight (0) survives defaulting.
	cfg.Digest.Hour = -1
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if c.Server.PagesBaseURL == "" {
		c.Server.PagesBaseURL = c.Server.BaseURL
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "bolt"
	}
	if c.Store.BoltPath == "" {
		c.Store.BoltPath = "digest.db"
	}
	if c.Mail.Provider == "" {
		c.Mail.Provider = "mock"
	}
	if c.Mail.FromAddress == "" {
		c.Mail.FromAddress = "digest@localhost"
	}
	if c.Mail.FromName == "" {
		c.Mail.FromName = "Hacker News Digest"
	}
	if c.Digest.Hour < 0 {
		c.Digest.Hour = 5
	}
	if len(c.Digest.TopN) == 0 {
		c.Digest.TopN = []int{10, 20, 50}
	}
	if len(c.Digest.PointThresholds) == 0 {
		c.Digest.PointThresholds = []int{100, 200, 500}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "gcs":
		if c.Store.Bucket == "" {
			return fmt.Errorf("store.bucket is required for the gcs backend")
		}
	case "bolt":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Mail.Provider {
	case "brevo":
		if c.Mail.BrevoAPIKey == "" {
			return fmt.Errorf("mail.brevo_api_key is required for the brevo provider")
		}
	case "gmail", "mock":
	default:
		return fmt.Errorf("unknown mail provider %q", c.Mail.Provider)
	}

	if c.Digest.Hour < 0 || c.Digest.Hour > 23 {
		return fmt.Errorf("digest.hour must be 0-23, got %d", c.Digest.Hour)
	}
	for _, n := range c.Digest.TopN {
		if n <= 0 {
			return fmt.Errorf("digest.top_n values must be positive, got %d", n)
		}
	}
	for _, t := range c.Digest.PointThresholds {
		if t < 0 {
			return fmt.Errorf("digest.point_thresholds values must be non-negative, got %d", t)
		}
	}
	return nil
}

// Strategies returns the configured selection strategies.
func (c *Config) Strategies() []digest.Strategy {
	strategies := make([]digest.Strategy, 0, len(c.Digest.TopN)+len(c.Digest.PointThresholds))
	for _, n := range c.Digest.TopN {
		strategies = append(strategies, digest.TopN(n))
	}
	for _, t := range c.Digest.PointThresholds {
		strategies = append(strategies, digest.PointThreshold(t))
	}
	return strategies
}
