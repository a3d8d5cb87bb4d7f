package session

import (
	"context"
	"fmt"
	"time"
)

// Config holds session store configuration from YAML.
type Config struct {
	// Store specifies the storage backend type.
	// Options: "file", "redis", "firestore"
	// Default: "file"
	Store string `yaml:"store"`

	// BaseDir is the base directory for file-based storage.
	// Default: ~/.coachflow/sessions
	BaseDir string `yaml:"base_dir"`

	// Redis contains redis connection settings.
	Redis RedisSettings `yaml:"redis,omitempty"`

	// Firestore contains firestore settings.
	Firestore FirestoreSettings `yaml:"firestore,omitempty"`
}

// RedisSettings is the YAML form of RedisConfig.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix,omitempty"`
	// Retention is how long records live after their last write, e.g. "720h".
	Retention string `yaml:"retention,omitempty"`
	PoolSize  int    `yaml:"pool_size,omitempty"`
}

// FirestoreSettings is the YAML form of FirestoreConfig.
type FirestoreSettings struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// DefaultConfig returns the default session store configuration.
func DefaultConfig() Config {
	return Config{
		Store:   "file",
		BaseDir: "",
	}
}

// NewStore builds the backend named by cfg.Store.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Store {
	case "", "file":
		return NewFileBackend(cfg.BaseDir)
	case "redis":
		var retention time.Duration
		if cfg.Redis.Retention != "" {
			d, err := time.ParseDuration(cfg.Redis.Retention)
			if err != nil {
				return nil, fmt.Errorf("invalid redis retention: %w", err)
			}
			retention = d
		}
		return NewRedisBackend(RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			Retention: retention,
			PoolSize:  cfg.Redis.PoolSize,
		})
	case "firestore":
		return NewFirestoreBackend(ctx, FirestoreConfig{
			ProjectID:       cfg.Firestore.ProjectID,
			Collection:      cfg.Firestore.Collection,
			CredentialsFile: cfg.Firestore.CredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Store)
	}
}
