package trace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the lockstep.toml engine configuration.
type Config struct {
	History HistoryConfig `toml:"history"`
	Store   StoreConfig   `toml:"store"`
	Inspect InspectConfig `toml:"inspect"`
}

// HistoryConfig bounds snapshot retention.
type HistoryConfig struct {
	MaxSnapshots int `toml:"max-snapshots"` // 0 means unbounded
}

// StoreConfig configures session persistence.
type StoreConfig struct {
	Path string `toml:"path"`
}

// InspectConfig configures the inspection views.
type InspectConfig struct {
	MemoryWindow int `toml:"memory-window"`
}

// MaxSnapshots returns the history retention limit.
func (c Config) MaxSnapshots() int { return c.History.MaxSnapshots }

// DefaultConfig returns the configuration used when no lockstep.toml
// exists.
func DefaultConfig() Config {
	return Config{
		History: HistoryConfig{MaxSnapshots: 0},
		Store:   StoreConfig{Path: "lockstep.db"},
		Inspect: InspectConfig{MemoryWindow: 64},
	}
}

// LoadConfig parses lockstep.toml from the given directory. A missing file
// yields the defaults.
func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, "lockstep.toml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := DefaultConfig()
	if err := toml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return c, nil
}
