package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LogLevel string `toml:"log-level"`

	// Tables the coordinator is allowed to write to. Begin rejects any
	// operation against a table not in this list.
	AllowedTables []string `toml:"allowed-tables"`

	// Base URL of the REST data store, e.g. "http://store.internal:8080".
	StoreBaseURL string `toml:"store-base-url"`
	// Timeout applied to every single call to the store (apply, compensate,
	// referential read).
	StoreTimeout time.Duration `toml:"store-timeout"`
	// Outbound requests per second to the store. Zero disables limiting.
	StoreRequestRate float64 `toml:"store-request-rate"`

	// How many times a failed apply or compensating write is retried before
	// the step is treated as fatal.
	StoreRetries int `toml:"store-retries"`
	// Backoff between retries doubles from Base up to Cap.
	RetryBackoffBase time.Duration `toml:"retry-backoff-base"`
	RetryBackoffCap  time.Duration `toml:"retry-backoff-cap"`

	// Total budget for compensating one transaction. Compensation runs under
	// this budget, never under the caller's (possibly expired) deadline.
	CompensationTimeout time.Duration `toml:"compensation-timeout"`

	// Maximum number of transactions executing at once. Zero means unbounded.
	MaxConcurrentTxns int `toml:"max-concurrent-txns"`

	// Retries for one async cache invalidation task before it is dropped.
	InvalidationRetries int `toml:"invalidation-retries"`
	// Upper bound on the lifetime of any cached entry, so that a missed
	// invalidation cannot make staleness unbounded.
	CacheTTL time.Duration `toml:"cache-ttl"`

	// How long terminal transaction log records are kept before Cleanup may
	// purge them.
	LogRetention time.Duration `toml:"log-retention"`

	// Directory the durable transaction log is stored in. Should exist and be
	// writable.
	DBPath string `toml:"db-path"`
}

func (c *Config) Validate() error {
	if len(c.AllowedTables) == 0 {
		return fmt.Errorf("allowed-tables must not be empty")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store-timeout must be greater than 0")
	}
	if c.StoreRetries < 1 {
		return fmt.Errorf("store-retries must be at least 1")
	}
	if c.RetryBackoffBase <= 0 || c.RetryBackoffCap < c.RetryBackoffBase {
		return fmt.Errorf("retry backoff cap must be at least the base")
	}
	if c.CompensationTimeout <= c.StoreTimeout {
		return fmt.Errorf("compensation-timeout must exceed store-timeout")
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:            getLogLevel(),
		StoreBaseURL:        "http://127.0.0.1:8080",
		StoreTimeout:        5 * time.Second,
		StoreRequestRate:    100,
		StoreRetries:        3,
		RetryBackoffBase:    100 * time.Millisecond,
		RetryBackoffCap:     2 * time.Second,
		CompensationTimeout: 60 * time.Second,
		MaxConcurrentTxns:   32,
		InvalidationRetries: 3,
		CacheTTL:            10 * time.Minute,
		LogRetention:        30 * 24 * time.Hour,
		DBPath:              "/tmp/restsaga",
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:            getLogLevel(),
		AllowedTables:       []string{"invoices", "payments", "customers", "ledger_entries"},
		StoreTimeout:        50 * time.Millisecond,
		StoreRetries:        3,
		RetryBackoffBase:    time.Millisecond,
		RetryBackoffCap:     4 * time.Millisecond,
		CompensationTimeout: time.Second,
		MaxConcurrentTxns:   4,
		InvalidationRetries: 2,
		CacheTTL:            time.Minute,
		LogRetention:        time.Hour,
		DBPath:              "/tmp/restsaga-test",
	}
}

// fileConfig mirrors Config with durations as strings, the form they take in a
// TOML file ("5s", "100ms").
type fileConfig struct {
	LogLevel            string   `toml:"log-level"`
	AllowedTables       []string `toml:"allowed-tables"`
	StoreBaseURL        string   `toml:"store-base-url"`
	StoreTimeout        string   `toml:"store-timeout"`
	StoreRequestRate    float64  `toml:"store-request-rate"`
	StoreRetries        int      `toml:"store-retries"`
	RetryBackoffBase    string   `toml:"retry-backoff-base"`
	RetryBackoffCap     string   `toml:"retry-backoff-cap"`
	CompensationTimeout string   `toml:"compensation-timeout"`
	MaxConcurrentTxns   int      `toml:"max-concurrent-txns"`
	InvalidationRetries int      `toml:"invalidation-retries"`
	CacheTTL            string   `toml:"cache-ttl"`
	LogRetention        string   `toml:"log-retention"`
	DBPath              string   `toml:"db-path"`
}

// LoadFromFile overlays values from a TOML file onto c. Fields absent from the
// file keep their current value.
func LoadFromFile(path string, c *Config) error {
	var fc fileConfig
	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return err
	}
	if meta.IsDefined("log-level") {
		c.LogLevel = fc.LogLevel
	}
	if meta.IsDefined("allowed-tables") {
		c.AllowedTables = fc.AllowedTables
	}
	if meta.IsDefined("store-base-url") {
		c.StoreBaseURL = fc.StoreBaseURL
	}
	if meta.IsDefined("store-request-rate") {
		c.StoreRequestRate = fc.StoreRequestRate
	}
	if meta.IsDefined("store-retries") {
		c.StoreRetries = fc.StoreRetries
	}
	if meta.IsDefined("max-concurrent-txns") {
		c.MaxConcurrentTxns = fc.MaxConcurrentTxns
	}
	if meta.IsDefined("invalidation-retries") {
		c.InvalidationRetries = fc.InvalidationRetries
	}
	if meta.IsDefined("db-path") {
		c.DBPath = fc.DBPath
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"store-timeout", fc.StoreTimeout, &c.StoreTimeout},
		{"retry-backoff-base", fc.RetryBackoffBase, &c.RetryBackoffBase},
		{"retry-backoff-cap", fc.RetryBackoffCap, &c.RetryBackoffCap},
		{"compensation-timeout", fc.CompensationTimeout, &c.CompensationTimeout},
		{"cache-ttl", fc.CacheTTL, &c.CacheTTL},
		{"log-retention", fc.LogRetention, &c.LogRetention},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %v", d.key, err)
		}
		*d.dst = v
	}
	return nil
}
