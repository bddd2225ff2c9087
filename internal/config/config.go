// Package config loads server configuration from an optional TOML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full server configuration.
type Config struct {
	Port string `toml:"port"`

	DB    DBConfig    `toml:"db"`
	Redis RedisConfig `toml:"redis"`
	Sales SalesConfig `toml:"sales"`

	GameDataPath string `toml:"game_data_path"`
}

// DBConfig configures the PostgreSQL pool.
type DBConfig struct {
	URL string `toml:"url"`
}

// RedisConfig configures the cache clients. Replicas are optional read-only
// endpoints; reads are balanced across them plus the master.
type RedisConfig struct {
	URL         string   `toml:"url"`
	ReplicaURLs []string `toml:"replica_urls"`
}

// SalesConfig bounds durable sale reads.
type SalesConfig struct {
	ReadConcurrency int64 `toml:"read_concurrency"`
}

// Load reads the TOML file at path (skipped when path is empty or missing)
// and then applies environment overrides: PORT, DATABASE_URL, REDIS_URL,
// REDIS_REPLICA_URL, GAME_DATA_PATH.
func Load(path string) (*Config, error) {
	cfg := &Config{Port: "8080"}

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer file.Close()
			if err := toml.NewDecoder(file).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config: %w", err)
			}
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DB.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_REPLICA_URL"); v != "" {
		cfg.Redis.ReplicaURLs = append(cfg.Redis.ReplicaURLs, v)
	}
	if v := os.Getenv("GAME_DATA_PATH"); v != "" {
		cfg.GameDataPath = v
	}
	if v := os.Getenv("SALE_READ_CONCURRENCY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse SALE_READ_CONCURRENCY: %w", err)
		}
		cfg.Sales.ReadConcurrency = n
	}
	return cfg, nil
}
