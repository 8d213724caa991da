package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks environment variables read into the configuration.
	// A double underscore separates nesting levels:
	// AURORA_ESCALATION__NEGATIVE_THRESHOLD is escalation.negative_threshold.
	EnvPrefix = "AURORA_"
	// Delimiter separates nested keys.
	Delimiter = "."
)

// SearchPaths are tried in order when no config file is given.
var SearchPaths = []string{
	"aurora.yaml",
	"config.yaml",
	"config.yml",
	"config.json",
	"configs/aurora.yaml",
	"/etc/aurora/config.yaml",
}

// Loader layers defaults, a config file, the environment and explicit
// overrides, each layer replacing the keys it sets.
type Loader struct {
	mu        sync.RWMutex
	last      *koanf.Koanf
	source    string
	overrides map[string]interface{}
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load builds and validates a Config. An empty configPath falls back to the
// first existing entry of SearchPaths; an explicit path must exist.
// Each call starts from a clean slate, so keys removed from the file
// between two loads revert to their defaults.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	k := koanf.New(Delimiter)

	if err := k.Load(confmap.Provider(flatten(DefaultConfig()), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	source := configPath
	if source == "" {
		source = discover()
	}
	if source != "" {
		if err := loadFile(k, source); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.last, l.source, l.overrides = k, source, overrides
	l.mu.Unlock()
	return &cfg, nil
}

// Reload loads path again with the overrides of the last successful Load.
func (l *Loader) Reload(path string) (*Config, error) {
	l.mu.RLock()
	overrides := l.overrides
	l.mu.RUnlock()
	return l.Load(path, overrides)
}

// Source returns the file the last successful Load read, or "" when the
// configuration came from defaults and the environment only.
func (l *Loader) Source() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.source
}

// Get returns the raw value of a key from the last successful Load.
func (l *Loader) Get(key string) interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return nil
	}
	return l.last.Get(key)
}

// Dump renders every resolved key, one per line.
func (l *Loader) Dump() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.last == nil {
		return ""
	}
	return l.last.Sprint()
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("config file %s: unsupported format %q", path, ext)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func discover() string {
	for _, p := range SearchPaths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

func envKey(name string) string {
	name = strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	return strings.ReplaceAll(name, "__", Delimiter)
}

var durationType = reflect.TypeOf(time.Duration(0))

// flatten turns a struct into dotted mapstructure keys so defaults merge
// key by key with the other layers.
func flatten(v interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flattenInto(out, reflect.ValueOf(v), "")
	return out
}

func flattenInto(out map[string]interface{}, v reflect.Value, prefix string) {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if !f.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + Delimiter + tag
		}
		fv := v.Field(i)
		switch {
		case fv.Type() == durationType:
			out[key] = fv.Interface()
		case fv.Kind() == reflect.Struct:
			flattenInto(out, fv, key)
		case fv.Kind() == reflect.Ptr && fv.Type().Elem().Kind() == reflect.Struct:
			flattenInto(out, fv, key)
		case fv.Kind() == reflect.Slice:
			items := make([]interface{}, fv.Len())
			for j := range items {
				items[j] = fv.Index(j).Interface()
			}
			out[key] = items
		case fv.Kind() == reflect.Map:
			// Maps stay whole so their keys are never split on dots.
			if fv.Len() > 0 {
				out[key] = fv.Interface()
			}
		default:
			out[key] = fv.Interface()
		}
	}
}

// Load is a shorthand for NewLoader().Load.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}
