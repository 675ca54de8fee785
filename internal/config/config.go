// Package config loads the engine's tunables from a YAML file plus
// environment overrides, and can hot-reload on file change, mirroring
// the teacher's configuration layer (spec.md §5's timeout/concurrency
// knobs and §4.4's pool policy are all set here).
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const DefaultFileWriteDelay = 150 * time.Millisecond

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// Config is the full set of engine tunables. Every duration has a
// sane default applied by Default().
type Config struct {
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type DispatcherConfig struct {
	MaxRequests        int `mapstructure:"max_requests"`
	MaxRequestsPerHost int `mapstructure:"max_requests_per_host"`
}

type PoolConfig struct {
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	MaxIdle   int           `mapstructure:"max_idle"`
}

type TimeoutsConfig struct {
	Connect time.Duration `mapstructure:"connect"`
	Read    time.Duration `mapstructure:"read"`
	Write   time.Duration `mapstructure:"write"`
	Call    time.Duration `mapstructure:"call"`
}

type CacheConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Directory  string `mapstructure:"directory"`
	MaxSizeMB  int64  `mapstructure:"max_size_mb"`
	AppVersion int    `mapstructure:"app_version"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	FileOutput bool   `mapstructure:"file_output"`
}

func Default() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			MaxRequests:        64,
			MaxRequestsPerHost: 5,
		},
		Pool: PoolConfig{
			KeepAlive: 5 * time.Minute,
			MaxIdle:   5,
		},
		Timeouts: TimeoutsConfig{
			Connect: 10 * time.Second,
			Read:    30 * time.Second,
			Write:   30 * time.Second,
			Call:    2 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Directory:  "./vellum-cache",
			MaxSizeMB:  64,
			AppVersion: 1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "./logs",
			FileOutput: false,
		},
	}
}

// Load reads vellum.yaml (and VELLUM_-prefixed env overrides), falling
// back to Default() when no file is present, and wires an optional
// hot-reload callback (spec.md's AMBIENT STACK configuration section).
func Load(onConfigChange func()) (*Config, error) {
	cfg := Default()

	viper.SetConfigName("vellum")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("VELLUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("VELLUM_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()
	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return
			}
			lastReload = now

			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return cfg, nil
}
