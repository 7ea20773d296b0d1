// Package config loads a YAML file into a config struct.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type options struct {
	envPrefix string
}

type Option func(*options)

// WithEnvPrefix makes only variables starting with prefix_ override the file,
// e.g. LIVEPOLL_REALTIME_HEARTBEATINTERVAL.
func WithEnvPrefix(prefix string) Option {
	return func(o *options) { o.envPrefix = prefix }
}

// Load reads file into config, which must be a pointer to a struct. Values already
// set in the struct are defaults, the file overrides them and the environment
// overrides the file, with "." replaced by "_" in keys.
func Load(file string, config any, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	m := make(map[string]any)

	if err := mapstructure.Decode(config, &m); err != nil {
		return fmt.Errorf("mapstructure: %w", err)
	}

	if err := v.MergeConfigMap(m); err != nil {
		return fmt.Errorf("merge config map: %w", err)
	}

	v.SetConfigFile(file)
	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config from file %s: %w", file, err)
	}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	return nil
}
