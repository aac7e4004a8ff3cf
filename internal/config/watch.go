package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/austindbirch/wells/internal/logging"
)

// LoadPolicy reads a YAML retry policy from path. Keys missing from the file
// keep their value from base.
func LoadPolicy(path string, base Engine) (Engine, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return base, fmt.Errorf("config: read policy %s: %w", path, err)
	}
	return decodePolicy(v, base)
}

func decodePolicy(v *viper.Viper, base Engine) (Engine, error) {
	out := base
	if err := v.Unmarshal(&out); err != nil {
		return base, fmt.Errorf("config: decode policy: %w", err)
	}
	out.PolicyFile = base.PolicyFile
	return out, nil
}

// WatchPolicy loads the policy at path and calls onChange with the new
// policy every time the file is rewritten. The initial policy is returned.
func WatchPolicy(path string, base Engine, onChange func(Engine)) (Engine, error) {
	logger := logging.New("wells-config")

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return base, fmt.Errorf("config: read policy %s: %w", path, err)
	}
	initial, err := decodePolicy(v, base)
	if err != nil {
		return base, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		p, err := decodePolicy(v, base)
		if err != nil {
			logger.Plain().WithError(err).WithField("file", e.Name).Error("ignoring invalid policy update")
			return
		}
		logger.Plain().WithField("file", e.Name).WithField("op", e.Op.String()).Info("policy file changed")
		onChange(p)
	})
	v.WatchConfig()
	return initial, nil
}
