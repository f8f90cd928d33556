package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/chat-core/internal/models"
	"github.com/MegaGrindStone/chat-core/internal/services"
	"gopkg.in/yaml.v3"
)

// persistence is a conversation storage backend built from configuration.
type persistence interface {
	SaveConversationMetadata(ctx context.Context, conv models.Conversation) error
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Close() error
}

type persistenceConfig interface {
	open(ctx context.Context, cfgDir string) (persistence, error)
}

type config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	CompletionURL string  `yaml:"completionURL"`
	UsageURL      string  `yaml:"usageURL"`
	APIKey        string  `yaml:"apiKey"`
	Model         string  `yaml:"model"`
	MaxTokens     int     `yaml:"maxTokens"`
	Temperature   float64 `yaml:"temperature"`
	MaxFrameSize  int     `yaml:"maxFrameSize"`

	UsageRefreshInterval time.Duration     `yaml:"usageRefreshInterval"`
	Tiers                []models.UserTier `yaml:"tiers"`

	Persistence persistenceConfig `yaml:"persistence"`
	NATS        natsConfig        `yaml:"nats"`
}

type boltConfig struct {
	Path string `yaml:"path"`
}

type postgresConfig struct {
	DatabaseURL string `yaml:"databaseURL"`
}

type natsConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// postgresStore adapts services.Postgres, whose Close has no error, to persistence.
type postgresStore struct {
	*services.Postgres
}

func (p postgresStore) Close() error {
	p.Postgres.Close()
	return nil
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string            `yaml:"port"`
		LogLevel             string            `yaml:"logLevel"`
		CompletionURL        string            `yaml:"completionURL"`
		UsageURL             string            `yaml:"usageURL"`
		APIKey               string            `yaml:"apiKey"`
		Model                string            `yaml:"model"`
		MaxTokens            int               `yaml:"maxTokens"`
		Temperature          float64           `yaml:"temperature"`
		MaxFrameSize         int               `yaml:"maxFrameSize"`
		UsageRefreshInterval time.Duration     `yaml:"usageRefreshInterval"`
		Tiers                []models.UserTier `yaml:"tiers"`
		Persistence          map[string]any    `yaml:"persistence"`
		NATS                 natsConfig        `yaml:"nats"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.CompletionURL = rawConfig.CompletionURL
	c.UsageURL = rawConfig.UsageURL
	c.APIKey = rawConfig.APIKey
	c.Model = rawConfig.Model
	c.MaxTokens = rawConfig.MaxTokens
	c.Temperature = rawConfig.Temperature
	c.MaxFrameSize = rawConfig.MaxFrameSize
	c.UsageRefreshInterval = rawConfig.UsageRefreshInterval
	c.Tiers = rawConfig.Tiers
	c.NATS = rawConfig.NATS

	backend := "bolt"
	if b, ok := rawConfig.Persistence["backend"].(string); ok && b != "" {
		backend = b
	}

	var pc persistenceConfig
	switch backend {
	case "bolt":
		pc = &boltConfig{}
	case "postgres":
		pc = &postgresConfig{}
	default:
		return fmt.Errorf("unknown persistence backend: %s", backend)
	}

	if rawConfig.Persistence != nil {
		raw, err := yaml.Marshal(rawConfig.Persistence)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(raw, pc); err != nil {
			return err
		}
	}
	c.Persistence = pc

	return nil
}

// applyDefaults fills unset fields from the environment and built-in defaults, then validates.
func (c *config) applyDefaults() error {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("CHAT_API_KEY")
	}
	if c.NATS.URL == "" {
		c.NATS.URL = os.Getenv("NATS_URL")
	}
	if c.UsageRefreshInterval <= 0 {
		c.UsageRefreshInterval = 30 * time.Second
	}
	if c.Persistence == nil {
		c.Persistence = &boltConfig{}
	}

	var errs []error
	if c.CompletionURL == "" {
		errs = append(errs, errors.New("completionURL is required"))
	}
	if c.UsageURL == "" {
		errs = append(errs, errors.New("usageURL is required"))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if len(c.Tiers) == 0 {
		errs = append(errs, errors.New("at least one tier is required"))
	}
	return errors.Join(errs...)
}

func (b boltConfig) open(_ context.Context, cfgDir string) (persistence, error) {
	path := b.Path
	if path == "" {
		path = filepath.Join(cfgDir, "store.db")
	}
	db, err := services.NewBoltDB(path)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (p postgresConfig) open(ctx context.Context, _ string) (persistence, error) {
	dsn := p.DatabaseURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("databaseURL is required for the postgres backend")
	}
	pg, err := services.NewPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return postgresStore{Postgres: pg}, nil
}
