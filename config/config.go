/*Package config provides typed, concurrency-safe access to the autoguider's
property keys.

Keys are dotted paths such as "ccd.exposure.minimum" or
"dark.filename.1.1.100".  Values are held in a koanf instance and may come
from a YAML file, a map (tests), or an existing koanf (the server's own
configuration).  A missing key is always an error; the engines never invent
defaults for keys they need.
*/
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
)

// Error is a configuration error code
type Error uint

const (
	// ErrMissingKey is generated when a key is not present
	ErrMissingKey Error = 100

	// ErrBadValue is generated when a key cannot be converted to the requested type
	ErrBadValue Error = 101

	// ErrLoad is generated when the backing file cannot be read
	ErrLoad Error = 102
)

// ErrCodes maps error codes to their descriptions
var ErrCodes = map[Error]string{
	ErrMissingKey: "KEY_MISSING",
	ErrBadValue:   "BAD_VALUE",
	ErrLoad:       "LOAD_FAILED",
}

func (e Error) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return fmt.Sprintf("%d - %s", e, s)
	}
	return fmt.Sprintf("%d - UNKNOWN_ERROR_CODE", e)
}

// Config is a set of property keys
type Config struct {
	mu   sync.RWMutex
	k    *koanf.Koanf
	path string
}

// Load reads a YAML file of properties
func Load(path string) (*Config, error) {
	c := &Config{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromMap builds a Config from a flat map of dotted keys
func FromMap(m map[string]interface{}) *Config {
	k := koanf.New(".")
	// confmap never errors on a flat map
	k.Load(confmap.Provider(m, "."), nil)
	return &Config{k: k}
}

// Wrap uses an existing koanf instance as the backing store
func Wrap(k *koanf.Koanf) *Config {
	return &Config{k: k}
}

// Reload re-reads the backing file.  Configs not made with Load are unchanged.
func (c *Config) Reload() error {
	if c.path == "" {
		return nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(c.path), yaml.Parser()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLoad, c.path, err)
	}
	c.mu.Lock()
	c.k = k
	c.mu.Unlock()
	return nil
}

// Set overrides a key in memory
func (c *Config) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.k.Load(confmap.Provider(map[string]interface{}{key: value}, "."), nil)
}

// Exists returns true if the key is present
func (c *Config) Exists(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.k.Exists(key)
}

func (c *Config) get(key string) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.k.Exists(key) {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	return c.k.Get(key), nil
}

// String returns the value of key as a string
func (c *Config) String(key string) (string, error) {
	v, err := c.get(key)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case map[string]interface{}, []interface{}:
		return "", fmt.Errorf("%w: %s is not a scalar", ErrBadValue, key)
	default:
		return fmt.Sprint(t), nil
	}
}

// Int returns the value of key as an int
func (c *Config) Int(key string) (int, error) {
	v, err := c.get(key)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != float64(int(t)) {
			return 0, fmt.Errorf("%w: %s=%v is not an integer", ErrBadValue, key, t)
		}
		return int(t), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrBadValue, key, t)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrBadValue, key, v)
	}
}

// Float returns the value of key as a float64
func (c *Config) Float(key string) (float64, error) {
	v, err := c.get(key)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q is not a number", ErrBadValue, key, t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrBadValue, key, v)
	}
}

// Bool returns the value of key as a bool.  The strings "true" and "false"
// are accepted in any case.
func (c *Config) Bool(key string) (bool, error) {
	v, err := c.get(key)
	if err != nil {
		return false, err
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(t)))
		if err != nil {
			return false, fmt.Errorf("%w: %s=%q is not a boolean", ErrBadValue, key, t)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: %s has type %T", ErrBadValue, key, v)
	}
}

// IsMissing returns true if err is (or wraps) ErrMissingKey
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissingKey)
}
