package indexsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks configuration contract violations. These are the only
// conditions the synchronizer treats as fatal.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	defaultMaxBodyBytes   int64 = 512 << 20
	defaultMaxAttempts          = 5
	defaultInitialBackoff       = 200 * time.Millisecond
	defaultMaxBackoff           = 30 * time.Second
	defaultRequestTimeout       = 60 * time.Second
	defaultBudgetReserve        = 5 * time.Second
	defaultBlobTimeout          = 10 * time.Second
	defaultScanLimit            = 200
	defaultSpoolConcurrency     = 4
	defaultSpoolRetry           = 30 * time.Second
)

// Config captures indexsync settings loaded from a JSON or YAML file.
type Config struct {
	Database DatabaseConfig    `json:"database" yaml:"database"`
	Blobs    BlobConfig        `json:"blobs" yaml:"blobs"`
	Tables   map[string]string `json:"tables" yaml:"tables"`
	Engine   EngineConfig      `json:"engine" yaml:"engine"`
	Bulk     BulkConfig        `json:"bulk" yaml:"bulk"`
	Spool    SpoolConfig       `json:"spool" yaml:"spool"`
	Metrics  MetricsConfig     `json:"metrics" yaml:"metrics"`
}

// DatabaseConfig points at the SQLite document store.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// BlobConfig configures the pebble store holding externalized payloads.
type BlobConfig struct {
	Dir             string `json:"dir" yaml:"dir"`
	InlineThreshold int    `json:"inline_threshold" yaml:"inline_threshold"`
	BlobThreshold   int    `json:"blob_threshold" yaml:"blob_threshold"`
}

// EngineConfig selects and configures the search engine receiving bulk writes.
type EngineConfig struct {
	Kind          string              `json:"kind" yaml:"kind"`
	Elasticsearch ElasticsearchConfig `json:"elasticsearch" yaml:"elasticsearch"`
	Meilisearch   MeilisearchConfig   `json:"meilisearch" yaml:"meilisearch"`
	Command       string              `json:"command" yaml:"command"`
}

// ElasticsearchConfig captures connection settings for Elasticsearch or OpenSearch.
type ElasticsearchConfig struct {
	Addresses []string `json:"addresses" yaml:"addresses"`
	Username  string   `json:"username" yaml:"username"`
	Password  string   `json:"password" yaml:"password"`
	APIKey    string   `json:"api_key" yaml:"api_key"`
}

// MeilisearchConfig captures connection settings for Meilisearch.
type MeilisearchConfig struct {
	Host   string `json:"host" yaml:"host"`
	APIKey string `json:"api_key" yaml:"api_key"`
}

// BulkConfig bounds bulk transfers and their retries.
type BulkConfig struct {
	MaxBodyBytes   int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
	BudgetReserve  Duration `json:"budget_reserve" yaml:"budget_reserve"`
	BlobTimeout    Duration `json:"blob_timeout" yaml:"blob_timeout"`
	ScanLimit      int      `json:"scan_limit" yaml:"scan_limit"`
}

// SpoolConfig configures the directory that receives stream batches.
type SpoolConfig struct {
	Dir           string   `json:"dir" yaml:"dir"`
	Concurrency   int      `json:"concurrency" yaml:"concurrency"`
	RetryInterval Duration `json:"retry_interval" yaml:"retry_interval"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Duration is a time.Duration that reads as a Go duration string ("250ms").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	case int:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("unsupported duration value %v", raw)
	}
	return nil
}

// DefaultConfig returns built-in defaults.
func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{Path: "indexsync.db"},
		Blobs: BlobConfig{
			Dir:             "blobs",
			InlineThreshold: 64 << 10,
			BlobThreshold:   256 << 10,
		},
		Tables: map[string]string{
			string(KindCmsEntry): "cms_entries_es",
			string(KindPage):     "pages_es",
		},
		Engine: EngineConfig{
			Kind: EngineElasticsearch,
			Elasticsearch: ElasticsearchConfig{
				Addresses: []string{"http://localhost:9200"},
			},
		},
		Bulk: BulkConfig{
			MaxBodyBytes:   defaultMaxBodyBytes,
			MaxAttempts:    defaultMaxAttempts,
			InitialBackoff: Duration(defaultInitialBackoff),
			MaxBackoff:     Duration(defaultMaxBackoff),
			RequestTimeout: Duration(defaultRequestTimeout),
			BudgetReserve:  Duration(defaultBudgetReserve),
			BlobTimeout:    Duration(defaultBlobTimeout),
			ScanLimit:      defaultScanLimit,
		},
		Spool: SpoolConfig{
			Dir:           "spool",
			Concurrency:   defaultSpoolConcurrency,
			RetryInterval: Duration(defaultSpoolRetry),
		},
	}
}

// LoadConfig reads configuration from a JSON or YAML file chosen by extension.
// An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode json config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports contract violations in the configuration.
func (c Config) Validate() error {
	if c.Bulk.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: bulk.max_body_bytes must be positive", ErrInvalidConfig)
	}
	if c.Bulk.MaxAttempts <= 0 {
		return fmt.Errorf("%w: bulk.max_attempts must be positive", ErrInvalidConfig)
	}
	if c.Bulk.ScanLimit < 0 {
		return fmt.Errorf("%w: bulk.scan_limit cannot be negative", ErrInvalidConfig)
	}
	if c.Spool.Concurrency < 0 {
		return fmt.Errorf("%w: spool.concurrency cannot be negative", ErrInvalidConfig)
	}
	if _, err := NewTableMap(c.Tables); err != nil {
		return err
	}
	switch c.Engine.Kind {
	case EngineElasticsearch:
		if len(c.Engine.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("%w: engine.elasticsearch.addresses is required", ErrInvalidConfig)
		}
	case EngineMeilisearch:
	case EngineCommand:
		if strings.TrimSpace(c.Engine.Command) == "" {
			return fmt.Errorf("%w: engine.command is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown engine kind %q", ErrInvalidConfig, c.Engine.Kind)
	}
	return nil
}

// Options converts the configuration into the runtime options used by the Syncer.
func (c Config) Options() Options {
	return Options{
		MaxBodyBytes:     c.Bulk.MaxBodyBytes,
		MaxAttempts:      c.Bulk.MaxAttempts,
		InitialBackoff:   time.Duration(c.Bulk.InitialBackoff),
		MaxBackoff:       time.Duration(c.Bulk.MaxBackoff),
		RequestTimeout:   time.Duration(c.Bulk.RequestTimeout),
		BudgetReserve:    time.Duration(c.Bulk.BudgetReserve),
		BlobTimeout:      time.Duration(c.Bulk.BlobTimeout),
		ScanLimit:        c.Bulk.ScanLimit,
		InlineThreshold:  c.Blobs.InlineThreshold,
		BlobThreshold:    c.Blobs.BlobThreshold,
		SpoolDir:         c.Spool.Dir,
		SpoolConcurrency: c.Spool.Concurrency,
		SpoolRetry:       time.Duration(c.Spool.RetryInterval),
	}
}
