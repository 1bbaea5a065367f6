// Package config loads service settings from defaults, an optional TOML
// file and the environment, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// FileEnv names the environment variable holding the TOML file path.
const FileEnv = "PERMIT_CONFIG"

// Embedding providers.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Embedding selects the provider. An empty Model uses the provider default.
type Embedding struct {
	Provider  string `toml:"provider"`
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	Dimension int    `toml:"dimension"`
	BaseURL   string `toml:"base_url"`
	RPM       int    `toml:"rpm"`
	// CacheSize and CacheTTLSeconds size the query embedding cache; zero
	// disables it.
	CacheSize       int `toml:"cache_size"`
	CacheTTLSeconds int `toml:"cache_ttl_seconds"`
}

type Qdrant struct {
	URL         string `toml:"url"`
	APIKey      string `toml:"api_key"`
	Environment string `toml:"environment"`
	TLS         bool   `toml:"tls"`
	Index       string `toml:"index"`
}

// Cloud reports whether the index is hosted rather than local.
func (q Qdrant) Cloud() bool {
	return q.Environment != "" && q.Environment != "local"
}

type Neo4j struct {
	URL      string `toml:"url"`
	User     string `toml:"user"`
	Pass     string `toml:"pass"`
	Database string `toml:"database"`
}

type Dataset struct {
	APIURL       string `toml:"api_url"`
	RawDir       string `toml:"raw_dir"`
	ProcessedDir string `toml:"processed_dir"`
	Limit        int    `toml:"limit"`
	// Schedule is a five-field cron spec for the refresh job.
	Schedule string `toml:"schedule"`
}

// Config is the full service configuration.
type Config struct {
	Port         string    `toml:"port"`
	LogLevel     string    `toml:"log_level"`
	CORSOrigin   string    `toml:"cors_origin"`
	QueryLogPath string    `toml:"query_log_path"`
	NATSURL      string    `toml:"nats_url"`
	Embedding    Embedding `toml:"embedding"`
	Qdrant       Qdrant    `toml:"qdrant"`
	Neo4j        Neo4j     `toml:"neo4j"`
	Dataset      Dataset   `toml:"dataset"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:         "8000",
		LogLevel:     "info",
		CORSOrigin:   "*",
		QueryLogPath: "logs/search_queries.jsonl",
		Embedding: Embedding{
			Provider:        ProviderOpenAI,
			Dimension:       1536,
			RPM:             3500,
			CacheSize:       1024,
			CacheTTLSeconds: 600,
		},
		Qdrant: Qdrant{
			URL:         "localhost:6334",
			Environment: "local",
			Index:       "austin-permits",
		},
		Neo4j: Neo4j{User: "neo4j"},
		Dataset: Dataset{
			APIURL:       "https://data.austintexas.gov/resource/3syk-w9eu.csv",
			RawDir:       "data/raw",
			ProcessedDir: "data/processed",
			Limit:        10,
			Schedule:     "0 3 * * *",
		},
	}
}

// Error lists every problem found while loading or validating.
type Error struct {
	Missing []string
	Invalid []string
}

func (e *Error) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return "config: " + strings.Join(parts, "; ")
}

func (e *Error) empty() bool { return len(e.Missing) == 0 && len(e.Invalid) == 0 }

// LoadDotEnv loads KEY=VALUE files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the file named by PERMIT_CONFIG, if any, then the environment.
func Load() (Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit TOML path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(get func(string) string) error {
	e := &Error{}
	str := func(key string, dst *string) {
		if v := get(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := get(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			e.Invalid = append(e.Invalid, key)
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v := get(key)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.Invalid = append(e.Invalid, key)
			return
		}
		*dst = b
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("CORS_ORIGIN", &c.CORSOrigin)
	str("QUERY_LOG_PATH", &c.QueryLogPath)
	str("NATS_URL", &c.NATSURL)

	str("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	str("OPENAI_API_KEY", &c.Embedding.APIKey)
	str("EMBEDDING_MODEL", &c.Embedding.Model)
	num("EMBEDDING_DIMENSION", &c.Embedding.Dimension)
	str("EMBEDDING_BASE_URL", &c.Embedding.BaseURL)
	num("EMBEDDING_RPM", &c.Embedding.RPM)
	num("EMBEDDING_CACHE_SIZE", &c.Embedding.CacheSize)
	num("EMBEDDING_CACHE_TTL_SECONDS", &c.Embedding.CacheTTLSeconds)

	str("QDRANT_URL", &c.Qdrant.URL)
	str("QDRANT_API_KEY", &c.Qdrant.APIKey)
	str("QDRANT_ENVIRONMENT", &c.Qdrant.Environment)
	flag("QDRANT_TLS", &c.Qdrant.TLS)
	str("INDEX_NAME", &c.Qdrant.Index)

	str("NEO4J_URL", &c.Neo4j.URL)
	str("NEO4J_USER", &c.Neo4j.User)
	str("NEO4J_PASS", &c.Neo4j.Pass)
	str("NEO4J_DATABASE", &c.Neo4j.Database)

	str("DATASET_API_URL", &c.Dataset.APIURL)
	str("RAW_DATA_DIR", &c.Dataset.RawDir)
	str("PROCESSED_DATA_DIR", &c.Dataset.ProcessedDir)
	num("LIMIT", &c.Dataset.Limit)
	str("REFRESH_SCHEDULE", &c.Dataset.Schedule)

	if e.empty() {
		return nil
	}
	return e
}

// Validate checks the settings the search service cannot start without.
func (c Config) Validate() error {
	e := &Error{}
	switch c.Embedding.Provider {
	case ProviderOpenAI:
		if c.Embedding.APIKey == "" {
			e.Missing = append(e.Missing, "OPENAI_API_KEY")
		}
	case ProviderOllama:
	default:
		e.Invalid = append(e.Invalid, "EMBEDDING_PROVIDER")
	}
	if c.Embedding.Dimension <= 0 {
		e.Invalid = append(e.Invalid, "EMBEDDING_DIMENSION")
	}
	if c.Qdrant.URL == "" {
		e.Missing = append(e.Missing, "QDRANT_URL")
	}
	if c.Qdrant.Cloud() && c.Qdrant.APIKey == "" {
		e.Missing = append(e.Missing, "QDRANT_API_KEY")
	}
	if c.Qdrant.Index == "" {
		e.Missing = append(e.Missing, "INDEX_NAME")
	}
	if e.empty() {
		return nil
	}
	return e
}

// GraphEnabled reports whether a Neo4j URL is configured.
func (c Config) GraphEnabled() bool { return c.Neo4j.URL != "" }

// SlogLevel maps LogLevel onto slog. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a JSON logger writing to w at the configured level.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.SlogLevel()}))
}
