package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	DatabaseURL       string          `yaml:"database_url"`
	RedisURL          string          `yaml:"redis_url"`
	Port              string          `yaml:"port"`
	AccessTokenSecret string          `yaml:"access_token_secret"`
	LogLevel          string          `yaml:"log_level"`
	Consensus         ConsensusConfig `yaml:"consensus"`
	Events            EventsConfig    `yaml:"events"`
}

type ConsensusConfig struct {
	MinVotes  int     `yaml:"min_votes"`
	Threshold float64 `yaml:"threshold"`
}

type EventsConfig struct {
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

func Default() *Config {
	return &Config{
		RedisURL: "localhost:6379",
		Port:     "4000",
		LogLevel: "info",
		Consensus: ConsensusConfig{
			MinVotes:  2,
			Threshold: 0.66,
		},
		Events: EventsConfig{
			DedupTTL: 24 * time.Hour,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins).
func Load(path string) (*Config, error) {
	// Only load .env in development
	if os.Getenv("RENDER") == "" {
		godotenv.Load()
	}

	cfg := Default()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DB_CONNECTION_STRING"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("ACCESS_TOKEN_SECRET"); v != "" {
		cfg.AccessTokenSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MIN_VOTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MIN_VOTES: %w", err)
		}
		cfg.Consensus.MinVotes = n
	}
	if v := os.Getenv("THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("THRESHOLD: %w", err)
		}
		cfg.Consensus.Threshold = f
	}
	if v := os.Getenv("EVENT_DEDUP_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("EVENT_DEDUP_TTL: %w", err)
		}
		cfg.Events.DedupTTL = d
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Consensus.MinVotes < 1 {
		return errors.New("consensus.min_votes must be at least 1")
	}
	if c.Consensus.Threshold <= 0 || c.Consensus.Threshold > 1 {
		return errors.New("consensus.threshold must be in (0, 1]")
	}
	if c.Events.DedupTTL <= 0 {
		return errors.New("events.dedup_ttl must be positive")
	}
	return nil
}

// RequireServe checks the settings only the HTTP server needs.
func (c *Config) RequireServe() error {
	if c.DatabaseURL == "" {
		return errors.New("DB_CONNECTION_STRING environment variable is required")
	}
	if c.AccessTokenSecret == "" {
		return errors.New("ACCESS_TOKEN_SECRET environment variable is required")
	}
	return nil
}
