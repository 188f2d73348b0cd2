package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// EnvPrefix is the environment variable prefix
// nested keys are separated by double underscore, e.g. SEGMATE_LOG__LEVEL=debug
const EnvPrefix = "SEGMATE_"

// Loader loads configuration from defaults, a YAML file and the environment
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// Option configures Loader
type Option func(*Loader)

// WithConfigFile sets YAML configuration file path
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// WithEnvPrefix overrides environment variable prefix
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// NewLoader initializes loader
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: EnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads and validates configuration
func (l *Loader) Load() (Config, error) {
	if err := l.k.Load(mapProvider(defaultMap()), nil); err != nil {
		return Config{}, errors.Wrap(err, "load defaults failed")
	}
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return Config{}, errors.Wrapf(err, "load config file %s failed", l.filePath)
		}
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
		return Config{}, errors.Wrap(err, "load env failed")
	}
	return l.unmarshal()
}

// LoadMap overrides loaded values with the map, this is for flags and tests
func (l *Loader) LoadMap(values map[string]any) (Config, error) {
	if err := l.k.Load(mapProvider(values), nil); err != nil {
		return Config{}, errors.Wrap(err, "load map failed")
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (Config, error) {
	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config failed")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// envKey maps SEGMATE_LOG__LEVEL to log.level and SEGMATE_MAX_CONNECTIONS to max_connections
func (l *Loader) envKey(s string) string {
	s = strings.TrimPrefix(s, l.envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// All returns all loaded keys and values
func (l *Loader) All() map[string]any {
	return l.k.All()
}

// mapProvider is koanf provider for a flat map with dotted keys
type mapProvider map[string]any

// ReadBytes is not supported, koanf uses Read()
func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("map provider does not support ReadBytes")
}

// Read returns nested map
func (m mapProvider) Read() (map[string]any, error) {
	out := make(map[string]any)
	for key, v := range m {
		parts := strings.Split(key, ".")
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = v
	}
	return out, nil
}
