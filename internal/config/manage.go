package config

import (
	"fmt"
	"slices"
)

// KeyInfo is one row of "cmdsched config show".
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists every settable key with its effective value. Secrets are
// left out entirely.
func ShowAll(cfg Config) []KeyInfo {
	var out []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		out = append(out, KeyInfo{Key: s.key, EnvVar: s.env, Value: asString(s.extract(cfg))})
	}
	return out
}

// ValidKeys returns the names accepted by SetKey and UnsetKey.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// SetKey validates value against the key's type and persists it to the
// config file.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), key, value)
}

// UnsetKey drops a persisted value so the default applies again.
func UnsetKey(key string) error {
	return unsetKey(newFileBackend(configFilePath()), key)
}

func setKey(b Backend, key, value string) error {
	s, err := settable(key)
	if err != nil {
		return err
	}
	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return b.Store(key, v)
}

func unsetKey(b Backend, key string) error {
	if _, err := settable(key); err != nil {
		return err
	}
	return b.Remove(key)
}

func settable(key string) (keySpec, error) {
	i := slices.IndexFunc(specs, func(s keySpec) bool { return s.key == key })
	if i < 0 {
		return keySpec{}, fmt.Errorf("unknown config key %q", key)
	}
	if s := specs[i]; s.secret {
		return keySpec{}, fmt.Errorf("%s is a secret; set it with the %s environment variable", key, s.env)
	}
	return specs[i], nil
}
