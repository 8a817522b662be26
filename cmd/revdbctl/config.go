package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/andreyvit/revdb"
)

// Config describes a store and the views to register on it.
type Config struct {
	Backend           string `yaml:"backend"` // bolt, badger, memory (default: bolt)
	Path              string `yaml:"path"`
	CacheLimit        int    `yaml:"cache_limit"`
	CatchUpBatchSize  int    `yaml:"catch_up_batch_size"`
	MaxFetchLimit     int    `yaml:"max_fetch_limit"`
	BackgroundCatchUp bool   `yaml:"background_catch_up"`

	Logging LoggingConfig `yaml:"logging"`

	Collections  []CollectionConfig  `yaml:"collections"`
	Indexes      []IndexConfig       `yaml:"indexes"`
	Caches       []CacheConfig       `yaml:"caches"`
	Associations []AssociationConfig `yaml:"associations"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"` // debug, info, warn, error (default: warn)
	Verbose bool   `yaml:"verbose"`
}

type CollectionConfig struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Predicate string         `yaml:"predicate"`
	Params    map[string]any `yaml:"params"`
	Relevant  []string       `yaml:"relevant"`
}

type IndexConfig struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Keys     string         `yaml:"keys"`
	Params   map[string]any `yaml:"params"`
	Relevant []string       `yaml:"relevant"`
}

type CacheConfig struct {
	Name     string                 `yaml:"name"`
	Type     string                 `yaml:"type"`
	Values   map[string]ValueConfig `yaml:"values"`
	Relevant []string               `yaml:"relevant"`
}

type ValueConfig struct {
	Selector string         `yaml:"selector"`
	Params   map[string]any `yaml:"params"`
}

type AssociationConfig struct {
	Name string `yaml:"name"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoadConfig reads a YAML config file. Environment variables of the form
// ${VAR} are expanded before parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = string(revdb.BackendBolt)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "warn"
	}
}

func (c *Config) Validate() error {
	switch revdb.Backend(c.Backend) {
	case revdb.BackendBolt:
		if c.Path == "" {
			return fmt.Errorf("path is required for the bolt backend")
		}
	case revdb.BackendBadger, revdb.BackendMemory:
	default:
		return fmt.Errorf("backend must be bolt, badger or memory, got %q", c.Backend)
	}
	if _, err := c.Logging.level(); err != nil {
		return err
	}
	for i, a := range c.Associations {
		if a.Name == "" || a.From == "" || a.To == "" {
			return fmt.Errorf("associations[%d] needs name, from and to", i)
		}
	}
	return nil
}

func (lc LoggingConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(lc.Level))); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

func (c *Config) Logger() *slog.Logger {
	lvl, _ := c.Logging.level()
	if c.Logging.Verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func (c *Config) Options() revdb.Options {
	return revdb.Options{
		Backend:           revdb.Backend(c.Backend),
		CacheLimit:        c.CacheLimit,
		CatchUpBatchSize:  c.CatchUpBatchSize,
		MaxFetchLimit:     c.MaxFetchLimit,
		BackgroundCatchUp: c.BackgroundCatchUp,
		Logger:            c.Logger(),
		Verbose:           c.Logging.Verbose,
	}
}

// Register installs every configured view on db.
func (c *Config) Register(db *revdb.DB) error {
	for _, v := range c.Collections {
		err := db.RegisterCollection(revdb.CollectionDef{
			Name:      v.Name,
			Type:      v.Type,
			Predicate: v.Predicate,
			Params:    v.Params,
			Relevant:  v.Relevant,
		})
		if err != nil {
			return err
		}
	}
	for _, v := range c.Indexes {
		err := db.RegisterIndex(revdb.IndexDef{
			Name:     v.Name,
			Type:     v.Type,
			Keys:     v.Keys,
			Params:   v.Params,
			Relevant: v.Relevant,
		})
		if err != nil {
			return err
		}
	}
	for _, v := range c.Caches {
		values := make(map[string]revdb.ValueDef, len(v.Values))
		for name, vc := range v.Values {
			values[name] = revdb.ValueDef{Selector: vc.Selector, Params: vc.Params}
		}
		err := db.RegisterCache(revdb.CacheDef{
			Name:     v.Name,
			Type:     v.Type,
			Values:   values,
			Relevant: v.Relevant,
		})
		if err != nil {
			return err
		}
	}
	for _, a := range c.Associations {
		if err := db.RegisterAssociation(revdb.AssociationDef{Name: a.Name, From: a.From, To: a.To}); err != nil {
			return err
		}
	}
	return nil
}
