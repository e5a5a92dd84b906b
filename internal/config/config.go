package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/foliosync/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

var (
	home, _            = os.UserHomeDir()
	DefaultDataDir     = filepath.Join(home, ".foliosync")
	DefaultConfigPath  = filepath.Join(DefaultDataDir, "config.yaml")
	DefaultBackend     = BackendSQLite
	DefaultZoneName    = "Folios"
	DefaultPageSize    = 200
	DefaultInterval    = 30 * time.Second
	DefaultMetricsAddr = ""
)

var (
	ErrPrincipalRequired = errors.New("config: principal is required")
	ErrUnknownBackend    = errors.New("config: unknown store backend")
	ErrBucketRequired    = errors.New("config: s3 bucket is required")
)

type S3Config struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	Endpoint  string `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key,omitempty" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key,omitempty" mapstructure:"secret_key"`
	CacheSize int    `yaml:"cache_size,omitempty" mapstructure:"cache_size"`
}

type Config struct {
	Principal       string        `yaml:"principal" mapstructure:"principal"`
	DataDir         string        `yaml:"data_dir,omitempty" mapstructure:"data_dir"`
	Backend         string        `yaml:"backend,omitempty" mapstructure:"backend"`
	DatabasePath    string        `yaml:"database_path,omitempty" mapstructure:"database_path"`
	S3              S3Config      `yaml:"s3,omitempty" mapstructure:"s3"`
	ZoneName        string        `yaml:"zone_name,omitempty" mapstructure:"zone_name"`
	PageSize        int           `yaml:"page_size,omitempty" mapstructure:"page_size"`
	ZoneConcurrency int           `yaml:"zone_concurrency,omitempty" mapstructure:"zone_concurrency"`
	Journal         bool          `yaml:"journal,omitempty" mapstructure:"journal"`
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" mapstructure:"refresh_interval"`
	MetricsAddr     string        `yaml:"metrics_addr,omitempty" mapstructure:"metrics_addr"`
	Path            string        `yaml:"-" mapstructure:"-"`
}

// Default returns a config with every optional field set.
func Default() *Config {
	return &Config{
		DataDir:         DefaultDataDir,
		Backend:         DefaultBackend,
		ZoneName:        DefaultZoneName,
		PageSize:        DefaultPageSize,
		RefreshInterval: DefaultInterval,
		MetricsAddr:     DefaultMetricsAddr,
		Path:            DefaultConfigPath,
	}
}

// Validate normalizes paths, fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Principal) == "" {
		return ErrPrincipalRequired
	}
	principal, err := utils.NormalizePrincipal(c.Principal)
	if err != nil {
		return fmt.Errorf("principal: %w", err)
	}
	c.Principal = principal

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	dataDir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	c.DataDir = dataDir

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}

	switch c.Backend {
	case BackendSQLite:
		if c.DatabasePath == "" {
			c.DatabasePath = filepath.Join(c.DataDir, "store.db")
		}
		if c.DatabasePath, err = utils.ResolvePath(c.DatabasePath); err != nil {
			return fmt.Errorf("database path: %w", err)
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return ErrBucketRequired
		}
		if c.S3.CacheSize < 0 {
			return fmt.Errorf("config: invalid s3 cache size %d", c.S3.CacheSize)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownBackend, c.Backend)
	}

	if c.ZoneName == "" {
		c.ZoneName = DefaultZoneName
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ZoneConcurrency < 0 {
		return fmt.Errorf("config: invalid zone concurrency %d", c.ZoneConcurrency)
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultInterval
	}

	return nil
}

// PrincipalDir holds the local state of the configured principal, so several
// principals can share one data dir.
func (c *Config) PrincipalDir() string {
	return filepath.Join(c.DataDir, "principals", c.Principal)
}

// StoreKey names the configured store: the backend plus a stable id derived
// from the database path or the endpoint and bucket.
func (c *Config) StoreKey() string {
	identity := c.DatabasePath
	if c.Backend == BackendS3 {
		identity = c.S3.Endpoint + "/" + c.S3.Bucket
	}
	return c.Backend + "-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.Backend+":"+identity)).String()
}

// StoreDir holds state that is only valid against the configured store.
func (c *Config) StoreDir() string {
	return filepath.Join(c.PrincipalDir(), "stores", c.StoreKey())
}

// JournalPath is where the change-token journal lives.
func (c *Config) JournalPath() string {
	return filepath.Join(c.StoreDir(), "journal.db")
}

// StateDir holds the init flag file and its lock.
func (c *Config) StateDir() string {
	return filepath.Join(c.StoreDir(), "state")
}

// LogFilePath is where the CLI mirrors its logs for dataDir.
func LogFilePath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "foliosync.log")
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Path = path

	return cfg, nil
}
