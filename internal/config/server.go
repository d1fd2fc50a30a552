package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. DOCBRIDGE_POOL_SIZE.
const EnvPrefix = "DOCBRIDGE"

type ServerConfig struct {
	LogLevel       string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFile        string `mapstructure:"log_file"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsPort    int    `mapstructure:"metrics_port" validate:"min=0,max=65535"`

	Engine EngineConfig `mapstructure:"engine"`
	Wasm   WasmConfig   `mapstructure:"wasm"`
	Host   HostConfig   `mapstructure:"host"`
	Pool   PoolConfig   `mapstructure:"pool"`
}

// EngineConfig locates the engine directory holding engine.yaml.
type EngineConfig struct {
	Path    string `mapstructure:"path" validate:"required"`
	Verbose bool   `mapstructure:"verbose"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages" validate:"max=65536"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory. Empty keeps the cache in memory.
	CacheDir string `mapstructure:"cache_dir"`
	// Parent of the per-host guest root directories.
	StagingDir string `mapstructure:"staging_dir"`
}

// HostConfig controls how each engine is isolated.
type HostConfig struct {
	// Isolation is "thread" (in-process) or "process" (child worker).
	Isolation string `mapstructure:"isolation" validate:"oneof=thread process"`
	// WorkerBinary overrides the executable started for process isolation.
	WorkerBinary   string        `mapstructure:"worker_binary"`
	InitTimeout    time.Duration `mapstructure:"init_timeout" validate:"gt=0"`
	ConvertTimeout time.Duration `mapstructure:"convert_timeout" validate:"gt=0"`
	DestroyTimeout time.Duration `mapstructure:"destroy_timeout" validate:"gt=0"`
}

type PoolConfig struct {
	Size          int  `mapstructure:"size" validate:"min=1,max=64"`
	RecycleAfter  int  `mapstructure:"recycle_after" validate:"min=0"`
	ReplaceFailed bool `mapstructure:"replace_failed"`
}

func LoadServerConfig(configPath string) (*ServerConfig, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 9090)

	v.SetDefault("engine.path", "./engine")
	v.SetDefault("engine.verbose", false)

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 32768) // 2GB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.staging_dir", "")

	v.SetDefault("host.isolation", "thread")
	v.SetDefault("host.worker_binary", "")
	v.SetDefault("host.init_timeout", 10*time.Minute)
	v.SetDefault("host.convert_timeout", 5*time.Minute)
	v.SetDefault("host.destroy_timeout", 5*time.Second)

	v.SetDefault("pool.size", 1)
	v.SetDefault("pool.recycle_after", 0)
	v.SetDefault("pool.replace_failed", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints.
func (c *ServerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
