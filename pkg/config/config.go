// Package config loads the charsearch YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the charsearch configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Harvest   HarvestConfig   `yaml:"harvest"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Enrich    EnrichConfig    `yaml:"enrich"`
	Search    SearchConfig    `yaml:"search"`
	NATS      NATSConfig      `yaml:"nats"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Env   string `yaml:"env"`   // prod, local, dev (default: ENV or local)
	Level string `yaml:"level"` // debug, info, warn, error
}

// EmbeddingConfig selects and configures the embedding model transport.
type EmbeddingConfig struct {
	Provider   string      `yaml:"provider"` // clipserver, openai
	BaseURL    string      `yaml:"base_url"`
	Model      string      `yaml:"model"`
	APIKey     string      `yaml:"api_key"`
	TimeoutSec int         `yaml:"timeout_sec"`
	Cache      CacheConfig `yaml:"cache"`
}

// CacheConfig configures the Redis text-embedding cache. Empty Addrs disables it.
type CacheConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	TTLSec   int      `yaml:"ttl_sec"`
}

// IndexConfig selects the vector index backend.
type IndexConfig struct {
	Backend    string `yaml:"backend"` // bolt, qdrant
	Path       string `yaml:"path"`    // bolt file
	Collection string `yaml:"collection"`
	QdrantAddr string `yaml:"qdrant_addr"`
}

// HarvestConfig configures catalog fetching and image download.
type HarvestConfig struct {
	CatalogURL      string  `yaml:"catalog_url"`
	FirstPage       int     `yaml:"first_page"`
	LastPage        int     `yaml:"last_page"`
	RateLimit       int     `yaml:"rate_limit"`
	RateWindowSec   int     `yaml:"rate_window_sec"`
	CatalogWorkers  int     `yaml:"catalog_workers"`
	DownloadWorkers int     `yaml:"download_workers"`
	DownloadRPS     float64 `yaml:"download_rps"`
	CorpusDir       string  `yaml:"corpus_dir"`
	MaxImageBytes   int64   `yaml:"max_image_bytes"`
	UserAgent       string  `yaml:"user_agent"`
	Retries         int     `yaml:"retries"`
	TimeoutSec      int     `yaml:"timeout_sec"`
}

// IngestConfig configures the corpus ingestion pipeline.
type IngestConfig struct {
	BatchSize int      `yaml:"batch_size"`
	Workers   int      `yaml:"workers"`
	Patterns  []string `yaml:"patterns"`
}

// EnrichConfig configures the external lookup service.
type EnrichConfig struct {
	LookupURL     string `yaml:"lookup_url"`
	RateLimit     int    `yaml:"rate_limit"`
	RateWindowSec int    `yaml:"rate_window_sec"`
	Workers       int    `yaml:"workers"`
	TimeoutSec    int    `yaml:"timeout_sec"`
}

// SearchConfig holds query defaults.
type SearchConfig struct {
	TopK      int     `yaml:"top_k"`
	Threshold float64 `yaml:"threshold"`
}

// NATSConfig enables corpus events when URL is set.
type NATSConfig struct {
	URL        string `yaml:"url"`
	MaxRetries int    `yaml:"max_retries"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
	CORSOrigin      string `yaml:"cors_origin"`
}

// Load reads configuration from the YAML file at path. An empty path
// resolves configs/<ENV>.yaml.
func Load(path string) (Config, error) {
	if path == "" {
		path = findConfigPath(GetEnv())
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, expanding ${VAR} references, then applies
// defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Logging.Env == "" {
		c.Logging.Env = GetEnv()
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "clipserver"
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = "http://localhost:51000"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "ViT-B-32"
	}
	if c.Embedding.TimeoutSec <= 0 {
		c.Embedding.TimeoutSec = 60
	}
	if c.Embedding.Cache.TTLSec <= 0 {
		c.Embedding.Cache.TTLSec = 24 * 3600
	}

	if c.Index.Backend == "" {
		c.Index.Backend = "bolt"
	}
	if c.Index.Path == "" {
		c.Index.Path = "./data/charsearch.db"
	}
	if c.Index.Collection == "" {
		c.Index.Collection = "anime_clip_embeddings"
	}
	if c.Index.QdrantAddr == "" {
		c.Index.QdrantAddr = "localhost:6334"
	}

	h := &c.Harvest
	if h.CatalogURL == "" {
		h.CatalogURL = "https://api.jikan.moe/v4"
	}
	if h.FirstPage == 0 && h.LastPage == 0 {
		h.FirstPage, h.LastPage = 20000, 30000
	}
	if h.RateLimit <= 0 {
		h.RateLimit = 45
	}
	if h.RateWindowSec <= 0 {
		h.RateWindowSec = 45
	}
	if h.CatalogWorkers <= 0 {
		h.CatalogWorkers = 4
	}
	if h.DownloadWorkers <= 0 {
		h.DownloadWorkers = 20
	}
	if h.DownloadRPS <= 0 {
		h.DownloadRPS = 20
	}
	if h.CorpusDir == "" {
		h.CorpusDir = "./images"
	}
	if h.MaxImageBytes <= 0 {
		h.MaxImageBytes = 10 << 20
	}
	if h.UserAgent == "" {
		h.UserAgent = "charsearch-harvester/1.0"
	}
	if h.Retries <= 0 {
		h.Retries = 2
	}
	if h.TimeoutSec <= 0 {
		h.TimeoutSec = 30
	}

	if c.Ingest.BatchSize <= 0 {
		c.Ingest.BatchSize = 32
	}
	if c.Ingest.Workers <= 0 {
		c.Ingest.Workers = min(runtime.GOMAXPROCS(0), 4)
	}
	if len(c.Ingest.Patterns) == 0 {
		c.Ingest.Patterns = []string{"**/*.{jpg,jpeg,png,gif,webp}"}
	}

	e := &c.Enrich
	if e.LookupURL == "" {
		e.LookupURL = "https://api.jikan.moe/v4"
	}
	if e.RateLimit <= 0 {
		e.RateLimit = 3
	}
	if e.RateWindowSec <= 0 {
		e.RateWindowSec = 1
	}
	if e.Workers <= 0 {
		e.Workers = 4
	}
	if e.TimeoutSec <= 0 {
		e.TimeoutSec = 10
	}

	if c.Search.TopK == 0 {
		c.Search.TopK = 6
	}
	if c.Search.Threshold == 0 {
		c.Search.Threshold = 0.2
	}

	if c.NATS.MaxRetries <= 0 {
		c.NATS.MaxRetries = 3
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 30
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 60
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		c.HTTP.MaxUploadBytes = 10 << 20
	}
	if c.HTTP.CORSOrigin == "" {
		c.HTTP.CORSOrigin = "*"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "clipserver", "openai":
	default:
		return fmt.Errorf("embedding.provider must be \"clipserver\" or \"openai\", got %q", c.Embedding.Provider)
	}
	switch c.Index.Backend {
	case "bolt", "qdrant":
	default:
		return fmt.Errorf("index.backend must be \"bolt\" or \"qdrant\", got %q", c.Index.Backend)
	}
	if c.Harvest.FirstPage > c.Harvest.LastPage {
		return fmt.Errorf("harvest.first_page %d is after harvest.last_page %d", c.Harvest.FirstPage, c.Harvest.LastPage)
	}
	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		return fmt.Errorf("search.threshold must be within [0, 1], got %v", c.Search.Threshold)
	}
	if c.Search.TopK < 0 {
		return fmt.Errorf("search.top_k must not be negative, got %d", c.Search.TopK)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	return nil
}

// Seconds converts a *_sec config field to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// findConfigPath locates configs/<env>.yaml.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	if path := filepath.Join("configs", filename); fileExists(path) {
		return path
	}

	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // pkg/config -> project root
	if path := filepath.Join(projectRoot, "configs", filename); fileExists(path) {
		return path
	}

	return filepath.Join("configs", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
