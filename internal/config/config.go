package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Server     Server     `yaml:"server"`
	Database   Database   `yaml:"database"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Enrichment Enrichment `yaml:"enrichment"`
	Events     Events     `yaml:"events"`
	Log        Log        `yaml:"log"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Database struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type Scheduler struct {
	CheckInterval        time.Duration `yaml:"check_interval"`
	MaxConcurrency       int           `yaml:"max_concurrency"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	MaxBodyBytes         int64         `yaml:"max_body_bytes"`
	PerDomainConcurrency int           `yaml:"per_domain_concurrency"`
	PerDomainDelay       time.Duration `yaml:"per_domain_delay"`
	UserAgent            string        `yaml:"user_agent"`
	// AllowPrivateNetworks disables the internal-address guard. Local use only.
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
}

type Enrichment struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Events struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// ConfigDir returns the XDG config directory for feedsync.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "feedsync")
}

// DataDir returns the XDG data directory for feedsync.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "feedsync")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/feedsync/config.yaml > ./config.yaml.
// An empty result with a nil error means the embedded defaults apply.
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}
	return "", nil
}

// Load reads and parses a config YAML file. An empty path loads the
// embedded defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return parse(DefaultConfigYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse expands ${VAR} references and decodes YAML into a Config,
// applying defaults for anything left unset.
func parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), os.Getenv)

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	setDefaults(cfg)

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Scheduler.CheckInterval <= 0 {
		cfg.Scheduler.CheckInterval = time.Minute
	}
	if cfg.Scheduler.FetchTimeout <= 0 {
		cfg.Scheduler.FetchTimeout = 30 * time.Second
	}
	if cfg.Scheduler.MaxBodyBytes <= 0 {
		cfg.Scheduler.MaxBodyBytes = 10 << 20
	}
	if cfg.Scheduler.PerDomainConcurrency <= 0 {
		cfg.Scheduler.PerDomainConcurrency = 2
	}
	if cfg.Enrichment.Workers <= 0 {
		cfg.Enrichment.Workers = 2
	}
	if cfg.Enrichment.QueueSize <= 0 {
		cfg.Enrichment.QueueSize = 256
	}
	if cfg.Enrichment.Timeout <= 0 {
		cfg.Enrichment.Timeout = 10 * time.Second
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "feedsync.articles.new"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// GetDatabasePath returns the effective SQLite path from config or XDG default.
func (c *Config) GetDatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(DataDir(), "feedsync.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
