// Package config loads service configuration from an optional YAML file,
// overridable through NEXACHAT_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Server struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Registry struct {
	MailboxSize   int `mapstructure:"mailbox_size"`
	SendTimeoutMs int `mapstructure:"send_timeout_ms"`
}

type Store struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

type Admission struct {
	DefaultLimit int            `mapstructure:"default_limit"`
	Limits       map[string]int `mapstructure:"limits"`
}

type Coalesce struct {
	ReadBatchSize    int `mapstructure:"read_batch_size"`
	ReadBatchDelayMs int `mapstructure:"read_batch_delay_ms"`
	TypingIntervalMs int `mapstructure:"typing_interval_ms"`
}

type Cache struct {
	Capacity int `mapstructure:"capacity"`
	TTLMs    int `mapstructure:"ttl_ms"`
	SweepMs  int `mapstructure:"sweep_ms"`
}

type Push struct {
	Endpoint  string `mapstructure:"endpoint"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

type Bus struct {
	Buffer int `mapstructure:"buffer"`
}

type Auth struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type Config struct {
	Server    Server    `mapstructure:"server"`
	Log       Log       `mapstructure:"log"`
	Registry  Registry  `mapstructure:"registry"`
	Store     Store     `mapstructure:"store"`
	Admission Admission `mapstructure:"admission"`
	Coalesce  Coalesce  `mapstructure:"coalesce"`
	Cache     Cache     `mapstructure:"cache"`
	Push      Push      `mapstructure:"push"`
	Bus       Bus       `mapstructure:"bus"`
	Auth      Auth      `mapstructure:"auth"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")

	v.SetDefault("registry.mailbox_size", 1024)
	v.SetDefault("registry.send_timeout_ms", 500)

	v.SetDefault("store.path", "./data")
	v.SetDefault("store.in_memory", false)

	v.SetDefault("admission.default_limit", 16)
	v.SetDefault("admission.limits", map[string]int{
		"auth":  8,
		"store": 32,
	})

	v.SetDefault("coalesce.read_batch_size", 50)
	v.SetDefault("coalesce.read_batch_delay_ms", 500)
	v.SetDefault("coalesce.typing_interval_ms", 2000)

	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("cache.ttl_ms", 30000)
	v.SetDefault("cache.sweep_ms", 60000)

	v.SetDefault("push.endpoint", "http://localhost:9090/push")
	v.SetDefault("push.timeout_ms", 5000)

	v.SetDefault("bus.buffer", 256)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "nexachat")
}

// LoadConfig reads configFile when given, otherwise relies on defaults and
// the environment.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NEXACHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("auth.secret must be set")
	}
	return &cfg, nil
}
