package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration from a hierarchy of sources. Priority from
// lowest to highest: built-in defaults, base.yaml, <environment>.yaml,
// environment variables.
type Loader struct {
	basePath    string
	environment Environment
	sources     []string
}

// NewLoader creates a loader rooted at basePath (default "config").
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	return &Loader{basePath: basePath, environment: env}
}

// Load assembles the final configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	cfg.Environment = l.environment
	l.sources = append(l.sources, "defaults")

	if err := l.loadFile("base", cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}
	if err := l.loadFile(string(l.environment), cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s config: %w", l.environment, err)
	}

	l.applyEnvironment(cfg)
	l.sources = append(l.sources, "environment")
	cfg.LoadedFrom = l.sources

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFile(name string, cfg *Config) error {
	path := filepath.Join(l.basePath, name+".yaml")
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	l.sources = append(l.sources, path)
	return nil
}

// applyEnvironment overlays environment variables, the highest priority
// source. Only operational knobs are exposed this way.
func (l *Loader) applyEnvironment(cfg *Config) {
	setString := func(key string, target *string) {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}
	setInt := func(key string, target *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*target = n
			}
		}
	}
	setDuration := func(key string, target *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*target = d
			}
		}
	}

	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("GRAPH_TABLE_NAME", &cfg.Graph.TableName)
	setString("GRAPH_EXTERNAL_ID_INDEX", &cfg.Graph.ExternalIDIndex)
	setString("GRAPH_EDGE_TARGET_INDEX", &cfg.Graph.EdgeTargetIndex)
	setString("AWS_REGION", &cfg.Graph.Region)
	setString("EVENT_BUS_NAME", &cfg.Messaging.EventBusName)
	setString("BLOB_BASE_URL", &cfg.Blob.BaseURL)
	setString("BLOB_API_KEY", &cfg.Blob.APIKey)
	setInt("BLOB_COMPRESSION_LEVEL", &cfg.Blob.CompressionLevel)
	setInt("SYNC_BATCH_SIZE", &cfg.Sync.BatchSize)
	setInt("SYNC_RATE_PER_SECOND", &cfg.Sync.RatePerSecond)
	setInt("SYNC_MAX_PARALLELISM", &cfg.Sync.MaxParallelism)
	setDuration("SYNC_INTERVAL", &cfg.Sync.Interval)
	setDuration("AUTH_REFRESH_LEAD", &cfg.Auth.RefreshLead)
	setString("ANTHROPIC_API_KEY", &cfg.Retrieval.AnthropicAPIKey)
	setString("RETRIEVAL_MODEL", &cfg.Retrieval.DefaultModel)
	setInt("RETRIEVAL_MAX_HOPS", &cfg.Retrieval.MaxHops)
	setString("RETRIEVAL_LISTEN_ADDR", &cfg.Retrieval.ListenAddr)
	setString("SEARCH_BASE_URL", &cfg.Retrieval.SearchBaseURL)
	setString("SEARCH_API_KEY", &cfg.Retrieval.SearchAPIKey)
}
