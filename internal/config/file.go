package config

import (
	"fmt"
	"os"
	"path/filepath"

	yaml "go.yaml.in/yaml/v3"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "cmdsched-data"
		}
	}
	return filepath.Join(dir, "cmdsched")
}

func configFilePath() string {
	if p := os.Getenv("CMDSCHED_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "cmdsched", "config.yaml")
}

// fileBackend stores config as flat dotted keys in a YAML file. Nested maps
// are accepted on read and flattened; JSON files parse as YAML too.
type fileBackend struct {
	path string
	data map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
		return
	}
	flatten("", raw, b.data)
}

// flatten copies nested maps into out using dotted keys.
func flatten(prefix string, in any, out map[string]any) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			flatten(join(prefix, k), v, out)
		}
	case map[any]any:
		for k, v := range x {
			flatten(join(prefix, fmt.Sprint(k)), v, out)
		}
	default:
		if prefix != "" {
			out[prefix] = in
		}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(b.data)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *fileBackend) Lookup(key string) (any, bool) {
	v, ok := b.data[key]
	if v == nil {
		return nil, false
	}
	return v, ok
}

func (b *fileBackend) Store(key string, v any) error {
	b.data[key] = v
	return b.save()
}

func (b *fileBackend) Remove(key string) error {
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return b.save()
}
