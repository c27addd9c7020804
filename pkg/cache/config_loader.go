package cache

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/developer-mesh/gencache/pkg/observability"
)

// ConfigLoader loads cache configuration from a file via viper and supports
// hot reload: on every well-formed change to the file the registered
// callback receives a validated Config. Malformed or unknown fields reject
// the reload; the previous configuration stays in effect.
type ConfigLoader struct {
	v      *viper.Viper
	logger observability.Logger
}

// NewConfigLoader creates a loader for the given config file path
func NewConfigLoader(path string, logger observability.Logger) *ConfigLoader {
	if logger == nil {
		logger = observability.NewLogger("cache.config")
	}
	v := viper.New()
	v.SetConfigFile(path)
	return &ConfigLoader{v: v, logger: logger}
}

// Load reads and validates the configuration file. Values not present in
// the file keep their defaults.
func (l *ConfigLoader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return l.decode()
}

// Watch re-reads the file on change and invokes onChange with the new
// configuration. Rejected reloads are logged and dropped.
func (l *ConfigLoader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		config, err := l.decode()
		if err != nil {
			l.logger.Warn("Config reload rejected", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		l.logger.Info("Config reloaded", map[string]interface{}{
			"file": l.v.ConfigFileUsed(),
		})
		onChange(config)
	})
	l.v.WatchConfig()
}

func (l *ConfigLoader) decode() (*Config, error) {
	config := DefaultConfig()
	if err := l.v.UnmarshalExact(config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
