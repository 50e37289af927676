package dtx

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryAttempts holds the per-resource-type phase-2 attempt ceilings.
type RetryAttempts struct {
	AT   int `yaml:"at"`
	TCC  int `yaml:"tcc"`
	HTTP int `yaml:"http"`
	MQ   int `yaml:"mq"`
	XA   int `yaml:"xa"`
}

// Config carries the framework configuration. Field names mirror the
// dotted configuration keys documented alongside the deployment guide
// (tc.server.address, lock.maxRetries, retry.multiplier, ...).
type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`

	Tx struct {
		DefaultTimeoutMs int64 `yaml:"defaultTimeoutMs"`
		MaxTimeoutMs     int64 `yaml:"maxTimeoutMs"`
	} `yaml:"tx"`

	Branch struct {
		TimeoutMs int64 `yaml:"timeoutMs"`
	} `yaml:"branch"`

	Lock struct {
		TimeoutMs       int64 `yaml:"timeoutMs"`
		RetryIntervalMs int64 `yaml:"retryIntervalMs"`
		MaxRetries      int   `yaml:"maxRetries"`
	} `yaml:"lock"`

	Retry struct {
		InitialIntervalMs int64         `yaml:"initialIntervalMs"`
		Multiplier        float64       `yaml:"multiplier"`
		MaxIntervalMs     int64         `yaml:"maxIntervalMs"`
		MaxAttempts       RetryAttempts `yaml:"maxAttempts"`
	} `yaml:"retry"`

	Scan struct {
		IntervalMs int64 `yaml:"intervalMs"`
	} `yaml:"scan"`

	Failover struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"failover"`

	// Store selects the metadata backend: "memory" or "postgres".
	Store struct {
		Backend string `yaml:"backend"`
		URL     string `yaml:"url"`
	} `yaml:"store"`

	// Redis, when configured, switches the global lock manager and the TCC
	// marker store to clustered mode.
	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	// NodeID feeds the branch id allocator; each TC node needs its own.
	NodeID int64 `yaml:"nodeId"`

	// RestAddress, when set, enables the operator REST listener.
	RestAddress string `yaml:"restAddress"`
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() Config {
	var c Config
	c.Server.Address = "0.0.0.0"
	c.Server.Port = 8091
	c.Tx.DefaultTimeoutMs = DefaultTimeoutMs
	c.Tx.MaxTimeoutMs = MaxTimeoutMs
	c.Branch.TimeoutMs = DefaultBranchTimeoutMs
	c.Lock.TimeoutMs = 10_000
	c.Lock.RetryIntervalMs = 10
	c.Lock.MaxRetries = 30
	c.Retry.InitialIntervalMs = 1_000
	c.Retry.Multiplier = 1.5
	c.Retry.MaxIntervalMs = 10_000
	c.Retry.MaxAttempts = RetryAttempts{AT: 5, TCC: 5, HTTP: 3, MQ: 3, XA: 3}
	c.Scan.IntervalMs = 60_000
	c.Failover.Enabled = true
	c.Store.Backend = "memory"
	return c
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	if path == "" {
		c.applyEnv()
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	c.applyEnv()
	return c, nil
}

// applyEnv layers environment overrides on top of the file; connection
// secrets usually arrive this way rather than in the YAML.
func (c *Config) applyEnv() {
	if v := os.Getenv("DTX_STORE_URL"); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv("DTX_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
	}
	if v := os.Getenv("DTX_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

// ScanInterval returns the timeout scanner period.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scan.IntervalMs) * time.Millisecond
}

// ListenAddr renders the TCP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
