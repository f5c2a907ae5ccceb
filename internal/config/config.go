package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/logging"
	"github.com/witnz/proofchain/internal/storage"
)

type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Hash     HashConfig     `mapstructure:"hash"`
	API      APIConfig      `mapstructure:"api"`
	Raft     RaftConfig     `mapstructure:"raft"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Log      LogConfig      `mapstructure:"log"`
}

type NodeConfig struct {
	ID      string `mapstructure:"id"`
	DataDir string `mapstructure:"data_dir"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type HashConfig struct {
	Algorithm string `mapstructure:"algorithm"`
}

type APIConfig struct {
	Addr        string   `mapstructure:"addr"`
	JWTSecret   string   `mapstructure:"jwt_secret"`
	TokenTTL    string   `mapstructure:"token_ttl"`
	RateLimit   float64  `mapstructure:"rate_limit"`
	RateBurst   int      `mapstructure:"rate_burst"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	MaxBodySize int64    `mapstructure:"max_body_size"`
}

type RaftConfig struct {
	Enabled                    bool              `mapstructure:"enabled"`
	BindAddr                   string            `mapstructure:"bind_addr"`
	Bootstrap                  bool              `mapstructure:"bootstrap"`
	PeerAddrs                  map[string]string `mapstructure:"peer_addrs"`
	ApplyTimeout               string            `mapstructure:"apply_timeout"`
	LeadershipTransferInterval string            `mapstructure:"leadership_transfer_interval"`
}

type IngestConfig struct {
	Enabled         bool                   `mapstructure:"enabled"`
	SlotName        string                 `mapstructure:"slot_name"`
	PublicationName string                 `mapstructure:"publication_name"`
	ProtectedTables []ProtectedTableConfig `mapstructure:"protected_tables"`
}

type ProtectedTableConfig struct {
	Name string `mapstructure:"name"`
}

type AlertsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	SlackWebhook   string `mapstructure:"slack_webhook"`
	EventWebhook   string `mapstructure:"event_webhook"`
	EventQueueSize int    `mapstructure:"event_queue_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvPrefix("PROOFCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate fills defaults and rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = storage.DriverBolt
	}
	switch c.Storage.Driver {
	case storage.DriverBolt, storage.DriverLevel:
		if c.Storage.Path == "" {
			c.Storage.Path = filepath.Join(c.Node.DataDir, defaultStorageFile(c.Storage.Driver))
		}
	case storage.DriverPostgres:
		if err := c.Database.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (valid options: %s, %s, %s)",
			c.Storage.Driver, storage.DriverBolt, storage.DriverLevel, storage.DriverPostgres)
	}

	if c.Hash.Algorithm == "" {
		c.Hash.Algorithm = hash.DefaultAlgorithm
	}
	if _, err := hash.New(c.Hash.Algorithm); err != nil {
		return err
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.API.TokenTTL == "" {
		c.API.TokenTTL = "24h"
	}
	if _, err := time.ParseDuration(c.API.TokenTTL); err != nil {
		return fmt.Errorf("invalid api.token_ttl: %w", err)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit must not be negative")
	}
	if c.API.RateLimit > 0 && c.API.RateBurst <= 0 {
		c.API.RateBurst = int(c.API.RateLimit) + 1
	}
	if c.API.MaxBodySize <= 0 {
		c.API.MaxBodySize = 8 << 20
	}

	if c.Raft.Enabled {
		if c.Raft.BindAddr == "" {
			return fmt.Errorf("raft.bind_addr is required when raft is enabled")
		}
		if c.Raft.ApplyTimeout == "" {
			c.Raft.ApplyTimeout = "10s"
		}
		if _, err := time.ParseDuration(c.Raft.ApplyTimeout); err != nil {
			return fmt.Errorf("invalid raft.apply_timeout: %w", err)
		}
		if c.Raft.LeadershipTransferInterval != "" {
			if _, err := time.ParseDuration(c.Raft.LeadershipTransferInterval); err != nil {
				return fmt.Errorf("invalid raft.leadership_transfer_interval: %w", err)
			}
		}
	}

	if c.Ingest.Enabled {
		if err := c.Database.validate(); err != nil {
			return err
		}
		if len(c.Ingest.ProtectedTables) == 0 {
			return fmt.Errorf("ingest.protected_tables must list at least one table")
		}
		for i, t := range c.Ingest.ProtectedTables {
			if t.Name == "" {
				return fmt.Errorf("ingest.protected_tables[%d].name is required", i)
			}
		}
		if c.Ingest.SlotName == "" {
			c.Ingest.SlotName = "proofchain_slot"
		}
		if c.Ingest.PublicationName == "" {
			c.Ingest.PublicationName = "proofchain_pub"
		}
	}

	if c.Alerts.EventQueueSize <= 0 {
		c.Alerts.EventQueueSize = 256
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logging.FormatConsole
	}

	return nil
}

func defaultStorageFile(driver string) string {
	if driver == storage.DriverLevel {
		return "proofs.ldb"
	}
	return "proofs.db"
}

func (d *DatabaseConfig) validate() error {
	if d.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if d.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if d.Port == 0 {
		d.Port = 5432
	}
	return nil
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}

func (c *Config) StorageOptions() storage.Options {
	opts := storage.Options{Driver: c.Storage.Driver, Path: c.Storage.Path}
	if c.Storage.Driver == storage.DriverPostgres {
		opts.DSN = c.Database.ConnectionString()
	}
	return opts
}

func (c *Config) RaftDir() string {
	return filepath.Join(c.Node.DataDir, "raft")
}

func (c *Config) TokenTTL() time.Duration {
	d, _ := time.ParseDuration(c.API.TokenTTL)
	return d
}

func (c *Config) ApplyTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Raft.ApplyTimeout)
	return d
}

// LeadershipTransferInterval is zero when rotation is off.
func (c *Config) LeadershipTransferInterval() time.Duration {
	d, _ := time.ParseDuration(c.Raft.LeadershipTransferInterval)
	return d
}

func (c *Config) ProtectedTableNames() []string {
	names := make([]string, len(c.Ingest.ProtectedTables))
	for i, t := range c.Ingest.ProtectedTables {
		names[i] = t.Name
	}
	return names
}
