package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full bridge configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Gmail   GmailConfig   `yaml:"gmail"`
	PubSub  PubSubConfig  `yaml:"pubsub"`
	Storage StorageConfig `yaml:"storage"`
	NATS    NATSConfig    `yaml:"nats"`
	Redis   RedisConfig   `yaml:"redis"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Watch   WatchConfig   `yaml:"watch"`
}

// ServerConfig HTTP server
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig logger
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// GmailConfig credentials and watch target
type GmailConfig struct {
	// service account with domain-wide delegation
	KeyFile string   `yaml:"key_file"`
	Subject string   `yaml:"subject"`
	Scopes  []string `yaml:"scopes"`
	// installed-app OAuth client, used when key_file is empty
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`

	UserID    string   `yaml:"user_id"`
	TopicName string   `yaml:"topic_name"`
	LabelIDs  []string `yaml:"label_ids"`
}

// PubSubConfig push endpoint verification
type PubSubConfig struct {
	VerifyToken         bool     `yaml:"verify_token"`
	Audience            string   `yaml:"audience"`
	ServiceAccountEmail string   `yaml:"service_account_email"`
	JWKSURL             string   `yaml:"jwks_url"`
	Issuers             []string `yaml:"issuers"`
}

// StorageConfig SQLite location
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// DBPath is the bridge database file
func (s StorageConfig) DBPath() string {
	return filepath.Join(s.DataDir, "bridge.db")
}

// NATSConfig event stream; empty URL disables publishing
type NATSConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// RedisConfig push dedup; empty Addr disables it
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// IngestConfig batch driver
type IngestConfig struct {
	Collection        string   `yaml:"collection"`
	Concurrency       int      `yaml:"concurrency"`
	InterestingLabels []string `yaml:"interesting_labels"`
}

// WatchConfig renewal loop
type WatchConfig struct {
	RenewInterval time.Duration `yaml:"renew_interval"`
	RenewBefore   time.Duration `yaml:"renew_before"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8080"},
		Log:     LogConfig{Level: "info"},
		Gmail:   GmailConfig{UserID: "me", LabelIDs: []string{"INBOX", "UNREAD"}},
		Storage: StorageConfig{DataDir: "data"},
		NATS:    NATSConfig{Stream: "MAIL_EVENTS"},
		Redis:   RedisConfig{DedupTTL: 24 * time.Hour},
		Ingest: IngestConfig{
			Collection:        "emails",
			Concurrency:       1,
			InterestingLabels: []string{"INBOX", "UNREAD"},
		},
		Watch: WatchConfig{RenewInterval: time.Hour, RenewBefore: 24 * time.Hour},
	}
}

// Load builds the configuration: defaults, then the base file, then the
// environment overlay file next to it (<dir>/<env>.yaml), then env vars.
// A missing base file is not an error.
func Load(path, env string) (*Config, error) {
	cfg := Default()

	if err := overlayFile(&cfg, path); err != nil {
		return nil, err
	}
	if env != "" && env != "base" {
		envFile := filepath.Join(filepath.Dir(path), env+".yaml")
		if err := overlayFile(&cfg, envFile); err != nil {
			return nil, err
		}
	}

	if err := OverrideFromEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// OverrideFromEnv applies environment variables, which win over files
func OverrideFromEnv(cfg *Config) error {
	setString(&cfg.Server.Addr, "SERVER_ADDR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Storage.DataDir, "DATA_DIR")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Gmail.KeyFile, "GMAIL_KEY_FILE")
	setString(&cfg.Gmail.Subject, "GMAIL_SUBJECT")
	setString(&cfg.Gmail.TopicName, "GMAIL_TOPIC")
	setString(&cfg.PubSub.Audience, "PUBSUB_AUDIENCE")
	if v := os.Getenv("INGEST_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid INGEST_CONCURRENCY %q: %w", v, err)
		}
		cfg.Ingest.Concurrency = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects configurations the bridge cannot start with
func (c *Config) Validate() error {
	var errs []error
	if c.Gmail.KeyFile == "" && (c.Gmail.CredentialsFile == "" || c.Gmail.TokenFile == "") {
		errs = append(errs, errors.New("gmail.key_file or gmail.credentials_file with gmail.token_file is required"))
	}
	if c.Gmail.TopicName == "" {
		errs = append(errs, errors.New("gmail.topic_name is required"))
	}
	if c.Ingest.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("ingest.concurrency must be positive, got %d", c.Ingest.Concurrency))
	}
	if c.PubSub.VerifyToken && c.PubSub.Audience == "" {
		errs = append(errs, errors.New("pubsub.audience is required when pubsub.verify_token is set"))
	}
	if c.Watch.RenewInterval <= 0 {
		errs = append(errs, errors.New("watch.renew_interval must be positive"))
	}
	return errors.Join(errs...)
}

// GetEnv returns the environment variable or a default
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
