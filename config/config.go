// Package config loads runtime settings from hl.toml. A missing file
// is not an error; every field has a working default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the config file looked up in the search directories.
const FileName = "hl.toml"

type ExecutorConfig struct {
	ExecTimeoutMS int64 `toml:"exec_timeout_ms"`
	CondTimeoutMS int64 `toml:"cond_timeout_ms"`
}

type JITConfig struct {
	Disabled     bool `toml:"disabled"`
	HotThreshold int  `toml:"hot_threshold"`
}

type OptimizerConfig struct {
	Disabled        bool `toml:"disabled"`
	InlineThreshold int  `toml:"inline_threshold"`
}

type Config struct {
	Shell       string `toml:"shell"`
	CacheDir    string `toml:"cache_dir"`
	PluginsRoot string `toml:"plugins_root"`

	Executor  ExecutorConfig  `toml:"executor"`
	JIT       JITConfig       `toml:"jit"`
	Optimizer OptimizerConfig `toml:"optimizer"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Shell:       "bash",
		PluginsRoot: defaultPluginsRoot(),
		Executor: ExecutorConfig{
			ExecTimeoutMS: 30_000,
			CondTimeoutMS: 5_000,
		},
		JIT:       JITConfig{HotThreshold: 10},
		Optimizer: OptimizerConfig{InlineThreshold: 8},
	}
}

func defaultPluginsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hackeros", "hacker-lang", "plugins")
}

// Load reads hl.toml from dir, falling back to defaults for a missing
// file. Zero-valued fields in the file keep their defaults too.
func Load(dir string) (*Config, error) {
	c := Default()
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.fillDefaults()
	return c, nil
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Shell == "" {
		c.Shell = d.Shell
	}
	if c.PluginsRoot == "" {
		c.PluginsRoot = d.PluginsRoot
	}
	if c.Executor.ExecTimeoutMS <= 0 {
		c.Executor.ExecTimeoutMS = d.Executor.ExecTimeoutMS
	}
	if c.Executor.CondTimeoutMS <= 0 {
		c.Executor.CondTimeoutMS = d.Executor.CondTimeoutMS
	}
	if c.JIT.HotThreshold <= 0 {
		c.JIT.HotThreshold = d.JIT.HotThreshold
	}
	if c.Optimizer.InlineThreshold <= 0 {
		c.Optimizer.InlineThreshold = d.Optimizer.InlineThreshold
	}
}

// ExecTimeout returns the exec deadline as a duration.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Executor.ExecTimeoutMS) * time.Millisecond
}

// CondTimeout returns the condition deadline as a duration.
func (c *Config) CondTimeout() time.Duration {
	return time.Duration(c.Executor.CondTimeoutMS) * time.Millisecond
}
