package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	FileBaseDir   string `json:"file_base_dir"`

	// PublicBaseURL prefixes download URLs handed to the AI provider,
	// e.g. "https://chat.example.com".
	PublicBaseURL string `json:"public_base_url"`

	// StreamBatchSize is how many stream chunks accumulate between
	// persistence flushes of an in-progress assistant message.
	StreamBatchSize int `json:"stream_batch_size"`

	// RateLimitPerWindow / RateWindowMinutes bound generation requests per user.
	RateLimitPerWindow int `json:"rate_limit_per_window"`
	RateWindowMinutes  int `json:"rate_window_minutes"`

	// RetentionDays is how long an idle conversation survives before the
	// cleanup sweeper removes it. CleanupIntervalMinutes paces the sweeper.
	RetentionDays          int `json:"retention_days"`
	CleanupIntervalMinutes int `json:"cleanup_interval_minutes"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}

	for name, db := range cfg.Databases {
		if db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) && (name == "sqlite" || name == "sqlite3") {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}
