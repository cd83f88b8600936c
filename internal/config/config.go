// Package config loads and validates the backend configuration from a YAML
// base file overlaid with environment variables.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the root configuration for all binaries.
type Config struct {
	Environment Environment `yaml:"environment" validate:"required,oneof=development staging production"`
	LogLevel    string      `yaml:"logLevel" validate:"oneof=debug info warn error"`

	Graph     GraphConfig     `yaml:"graph" validate:"required"`
	Messaging MessagingConfig `yaml:"messaging" validate:"required"`
	Blob      BlobConfig      `yaml:"blob" validate:"required"`
	Sync      SyncConfig      `yaml:"sync"`
	Auth      AuthConfig      `yaml:"auth"`
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// LoadedFrom records which sources contributed, for startup logging.
	LoadedFrom []string `yaml:"-"`
}

// GraphConfig configures the DynamoDB-backed graph store.
type GraphConfig struct {
	TableName       string `yaml:"tableName" validate:"required"`
	ExternalIDIndex string `yaml:"externalIdIndex" validate:"required"`
	EmailIndex      string `yaml:"emailIndex" validate:"required"`
	EdgeTargetIndex string `yaml:"edgeTargetIndex" validate:"required"`
	Region          string `yaml:"region"`
}

// MessagingConfig configures the record-events producer.
type MessagingConfig struct {
	EventBusName string `yaml:"eventBusName" validate:"required"`
	Source       string `yaml:"source"`
	MaxRetries   int    `yaml:"maxRetries" validate:"gte=0,lte=10"`
}

// BlobConfig configures the blob service client and transformer.
type BlobConfig struct {
	BaseURL          string        `yaml:"baseUrl" validate:"required,url"`
	APIKey           string        `yaml:"apiKey"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	CompressionLevel int           `yaml:"compressionLevel" validate:"gte=1,lte=22"`
}

// SyncConfig tunes the connector sync engine.
type SyncConfig struct {
	BatchSize       int            `yaml:"batchSize" validate:"gte=1,lte=1000"`
	RatePerSecond   int            `yaml:"ratePerSecond" validate:"gte=1"`
	RateOverrides   map[string]int `yaml:"rateOverrides"`
	MaxParallelism  int            `yaml:"maxParallelism" validate:"gte=1,lte=64"`
	InitMaxAttempts int            `yaml:"initMaxAttempts" validate:"gte=1,lte=10"`
	InitBackoff     time.Duration  `yaml:"initBackoff"`
	Interval        time.Duration  `yaml:"interval"`
	// WebhookAddr enables the change-notification listener when non-empty.
	WebhookAddr string `yaml:"webhookAddr"`

	Connectors []ConnectorInstanceConfig `yaml:"connectors" validate:"dive"`
}

// ConnectorInstanceConfig names one connector instance the sync worker drives.
type ConnectorInstanceConfig struct {
	Name        string `yaml:"name" validate:"required"`
	InstanceKey string `yaml:"instanceKey" validate:"required"`
	Principal   string `yaml:"principal"`
	// Groups are the external container ids to sync. Empty means the
	// source's root scope.
	Groups []string `yaml:"groups"`
}

// AuthConfig tunes the token manager.
type AuthConfig struct {
	RefreshLead time.Duration `yaml:"refreshLead"`
}

// RetrievalConfig configures the retrieval orchestrator.
type RetrievalConfig struct {
	AnthropicAPIKey string `yaml:"anthropicApiKey"`
	DefaultModel    string `yaml:"defaultModel"`
	MaxHops         int    `yaml:"maxHops" validate:"gte=1,lte=10"`
	SearchLimit     int    `yaml:"searchLimit" validate:"gte=1,lte=100"`
	ListenAddr      string `yaml:"listenAddr"`
	SearchBaseURL   string `yaml:"searchBaseUrl"`
	SearchAPIKey    string `yaml:"searchApiKey"`
}

// Default returns the configuration used before any file or environment
// overlay is applied.
func Default() *Config {
	return &Config{
		Environment: Development,
		LogLevel:    "info",
		Graph: GraphConfig{
			TableName:       "kortex-dev",
			ExternalIDIndex: "ExternalIdIndex",
			EmailIndex:      "EmailIndex",
			EdgeTargetIndex: "EdgeTargetIndex",
			Region:          "us-east-1",
		},
		Messaging: MessagingConfig{
			EventBusName: "kortex-events",
			Source:       "kortex.ingestion",
			MaxRetries:   3,
		},
		Blob: BlobConfig{
			BaseURL:          "http://localhost:8091",
			RequestTimeout:   30 * time.Second,
			CompressionLevel: 10,
		},
		Sync: SyncConfig{
			BatchSize:       100,
			RatePerSecond:   10,
			MaxParallelism:  4,
			InitMaxAttempts: 3,
			InitBackoff:     time.Second,
			Interval:        5 * time.Minute,
		},
		Auth: AuthConfig{
			RefreshLead: 20 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			DefaultModel: "claude-sonnet-4-20250514",
			MaxHops:      4,
			SearchLimit:  50,
			ListenAddr:   ":8080",
		},
	}
}

// Validate checks the configuration with struct tags plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.Auth.RefreshLead <= 0 {
		c.Auth.RefreshLead = 20 * time.Minute
	}
	if c.Blob.RequestTimeout <= 0 {
		c.Blob.RequestTimeout = 30 * time.Second
	}
	if c.Sync.InitBackoff <= 0 {
		c.Sync.InitBackoff = time.Second
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 5 * time.Minute
	}
	return nil
}
