// Package secrets is the only sanctioned way to read credentials. Accessors
// return values by logical name (ANTHROPIC_API_KEY, OPENAI_API_KEY, ...) and
// never log them.
package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MockPrefix marks a credential that must be served by a mock client.
const MockPrefix = "mock_"

// Accessor returns a secret by logical name. ok is false when the secret is
// not configured or empty.
type Accessor interface {
	Secret(name string) (value string, ok bool)
}

// IsMock reports whether value carries the mock marker.
func IsMock(value string) bool {
	return strings.HasPrefix(value, MockPrefix)
}

// EnvAccessor reads secrets from the process environment. With a prefix,
// name "OPENAI_API_KEY" is looked up as prefix+"OPENAI_API_KEY".
type EnvAccessor struct {
	Prefix string
	// Lookup replaces os.LookupEnv, mainly in tests.
	Lookup func(string) (string, bool)
}

func (a EnvAccessor) Secret(name string) (string, bool) {
	lookup := a.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(a.Prefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// MapAccessor serves a fixed set of secrets.
type MapAccessor map[string]string

func (m MapAccessor) Secret(name string) (string, bool) {
	v, ok := m[name]
	return v, ok && v != ""
}

// FileAccessor reads one file per secret from Dir, the layout used by
// container secret mounts such as /run/secrets. Both the exact name and its
// lower-case form are tried. Values are read once and cached.
type FileAccessor struct {
	Dir string

	mu    sync.Mutex
	cache map[string]string
}

// NewFileAccessor returns an accessor rooted at dir.
func NewFileAccessor(dir string) *FileAccessor {
	return &FileAccessor{Dir: dir}
}

func (a *FileAccessor) Secret(name string) (string, bool) {
	if a == nil || a.Dir == "" || name == "" || strings.ContainsAny(name, `/\`) {
		return "", false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.cache[name]; ok {
		return v, v != ""
	}

	value := ""
	for _, candidate := range []string{name, strings.ToLower(name)} {
		content, err := os.ReadFile(filepath.Join(a.Dir, candidate))
		if err == nil {
			value = strings.TrimSpace(string(content))
			break
		}
	}
	if a.cache == nil {
		a.cache = make(map[string]string)
	}
	a.cache[name] = value
	return value, value != ""
}

// Chain asks each accessor in order and returns the first hit.
type Chain []Accessor

func (c Chain) Secret(name string) (string, bool) {
	for _, a := range c {
		if a == nil {
			continue
		}
		if v, ok := a.Secret(name); ok {
			return v, true
		}
	}
	return "", false
}

// Default returns the environment accessor, followed by a file accessor when
// dir is set.
func Default(dir string) Accessor {
	if dir == "" {
		return EnvAccessor{}
	}
	return Chain{EnvAccessor{}, NewFileAccessor(dir)}
}
