// Package config loads tracker-node settings. Values are layered: built-in
// defaults, then an optional YAML file, then environment variables, then
// command-line flags.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	PublicHost     string        `yaml:"public_host"`
	LogLevel       string        `yaml:"log_level"`
	SessionTimeout time.Duration `yaml:"session_timeout"`

	MinIO  MinIOConfig  `yaml:"minio"`
	Docker DockerConfig `yaml:"docker"`
	OpenAI OpenAIConfig `yaml:"openai"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	PublicURL string `yaml:"public_url"`
}

// DockerConfig controls remote embed browsers. They are off unless Enabled.
type DockerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Network string `yaml:"network"`
	Image   string `yaml:"image"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		PublicHost:     "localhost",
		LogLevel:       "info",
		SessionTimeout: 15 * time.Minute,
		MinIO: MinIOConfig{
			Endpoint:  "localhost:9000",
			AccessKey: "iter8",
			SecretKey: "iter8secret",
			Bucket:    "iter8",
			PublicURL: "http://localhost:9000",
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-3.5-turbo",
		},
	}
}

// Load builds the configuration from args (without the program name) and
// the environment looked up through getenv. It returns pflag.ErrHelp when
// help was requested.
func Load(args []string, getenv func(string) string) (*Config, error) {
	flags := Default()
	var configPath string

	flagSet := pflag.NewFlagSet("tracker-node", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file (env TRACKER_CONFIG)")
	flagSet.StringVar(&flags.ListenAddr, "listen", flags.ListenAddr, "HTTP listen address")
	flagSet.StringVar(&flags.PublicHost, "public-host", flags.PublicHost, "host name clients use to reach this node")
	flagSet.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "debug, info, warn or error")
	flagSet.DurationVar(&flags.SessionTimeout, "session-timeout", flags.SessionTimeout, "idle time before a session is swept")
	flagSet.StringVar(&flags.MinIO.Endpoint, "minio-endpoint", flags.MinIO.Endpoint, "MinIO endpoint")
	flagSet.StringVar(&flags.MinIO.Bucket, "minio-bucket", flags.MinIO.Bucket, "bucket for sessions and recordings")
	flagSet.BoolVar(&flags.Docker.Enabled, "remote-browsers", flags.Docker.Enabled, "allow sessions in remote embed browsers")
	flagSet.StringVar(&flags.Docker.Network, "docker-network", flags.Docker.Network, "Docker network for embed browsers")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if configPath == "" {
		configPath = getenv("TRACKER_CONFIG")
	}
	if configPath != "" {
		if err := cfg.loadFile(configPath); err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	flagSet.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ListenAddr = flags.ListenAddr
		case "public-host":
			cfg.PublicHost = flags.PublicHost
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "session-timeout":
			cfg.SessionTimeout = flags.SessionTimeout
		case "minio-endpoint":
			cfg.MinIO.Endpoint = flags.MinIO.Endpoint
		case "minio-bucket":
			cfg.MinIO.Bucket = flags.MinIO.Bucket
		case "remote-browsers":
			cfg.Docker.Enabled = flags.Docker.Enabled
		case "docker-network":
			cfg.Docker.Network = flags.Docker.Network
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		if v := getenv(key); v != "" {
			*dst = v == "true"
		}
	}

	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.PublicHost, "PUBLIC_HOST")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.MinIO.Endpoint, "MINIO_ENDPOINT")
	setString(&c.MinIO.AccessKey, "MINIO_ACCESS_KEY")
	setString(&c.MinIO.SecretKey, "MINIO_SECRET_KEY")
	setString(&c.MinIO.Bucket, "MINIO_BUCKET")
	setBool(&c.MinIO.UseSSL, "MINIO_USE_SSL")
	setString(&c.MinIO.PublicURL, "MINIO_PUBLIC_URL")
	setBool(&c.Docker.Enabled, "DOCKER_ENABLED")
	setString(&c.Docker.Network, "DOCKER_NETWORK")
	setString(&c.Docker.Image, "BROWSER_IMAGE")
	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.OpenAI.Model, "OPENAI_MODEL")

	if v := getenv("SESSION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SESSION_TIMEOUT: %w", err)
		}
		c.SessionTimeout = d
	}
	return nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive, got %s", c.SessionTimeout)
	}
	if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
		return fmt.Errorf("minio endpoint and bucket are required")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}
