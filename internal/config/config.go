package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/haoxy000/feilong/internal/errdefs"
	"github.com/haoxy000/feilong/internal/fcp"
)

type Config struct {
	Volume   Volume   `yaml:"volume"`
	Database Database `yaml:"database"`
	SMT      SMT      `yaml:"smt"`
	Log      Log      `yaml:"log"`
}

type Volume struct {
	// FCP devices available for volumes, e.g. "1a00-1a3f;1b00-1b3f".
	// Empty disables the volume functions.
	FCPList   string `yaml:"fcp_list"`
	SameIndex bool   `yaml:"get_fcp_pair_with_same_index"`
	// Spool class used when punching configuration scripts
	PunchClass string `yaml:"punch_class"`
}

type Database struct {
	Path string `yaml:"path"`
}

type SMT struct {
	ZthinBin string `yaml:"zthin_bin"`
	TempDir  string `yaml:"temp_dir"`
}

type Log struct {
	Level string `yaml:"level"`
}

var defaultConfig = Config{
	Volume: Volume{
		PunchClass: "X",
	},
	Database: Database{
		Path: "/var/lib/feilong/fcp.db",
	},
	SMT: SMT{
		ZthinBin: "/opt/zthin/bin",
		TempDir:  "/var/lib/feilong/guests",
	},
	Log: Log{
		Level: "info",
	},
}

// Default returns a copy of the built-in configuration
func Default() *Config {
	cfg := defaultConfig
	return &cfg
}

func Load(path string) (*Config, error) {
	if path == "" {
		// Try default locations
		candidates := []string{
			"/etc/feilong/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/feilong/config.yaml"),
			"config.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	cfg := defaultConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(errdefs.ErrConfiguration, "parse config %s: %v", path, err)
		}
	}

	// Apply defaults for keys present but left empty
	if cfg.Volume.PunchClass == "" {
		cfg.Volume.PunchClass = defaultConfig.Volume.PunchClass
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultConfig.Database.Path
	}
	if cfg.SMT.ZthinBin == "" {
		cfg.SMT.ZthinBin = defaultConfig.SMT.ZthinBin
	}
	if cfg.SMT.TempDir == "" {
		cfg.SMT.TempDir = defaultConfig.SMT.TempDir
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultConfig.Log.Level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fcp_list grammar
func (c *Config) Validate() error {
	if c.Volume.FCPList == "" {
		return nil
	}
	_, err := fcp.ExpandFCPList(c.Volume.FCPList)
	return err
}

// FCPOptions returns the pool options derived from the volume section
func (c *Config) FCPOptions() fcp.Options {
	return fcp.Options{
		FCPList:   c.Volume.FCPList,
		SameIndex: c.Volume.SameIndex,
	}
}
