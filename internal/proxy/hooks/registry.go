package hooks

import (
	"errors"
	"strings"
	"sync"
)

var registry sync.Map

// ErrDuplicateHook indicates a data type already has hooks registered.
var ErrDuplicateHook = errors.New("hook already registered")

// Register stores hooks for the given data type name (e.g. "hls").
func Register(dataType string, hooks Hooks) error {
	key := normalizeKey(dataType)
	if key == "" {
		return errors.New("data type required")
	}
	if _, loaded := registry.LoadOrStore(key, hooks); loaded {
		return ErrDuplicateHook
	}
	return nil
}

// MustRegister panics on registration failure.
func MustRegister(dataType string, hooks Hooks) {
	if err := Register(dataType, hooks); err != nil {
		panic(err)
	}
}

// Fetch retrieves hooks associated with a data type.
func Fetch(dataType string) (Hooks, bool) {
	key := normalizeKey(dataType)
	if key == "" {
		return Hooks{}, false
	}
	if value, ok := registry.Load(key); ok {
		if hooks, ok := value.(Hooks); ok {
			return hooks, true
		}
	}
	return Hooks{}, false
}

// Status returns hook registration status for a data type.
func Status(dataType string) string {
	if _, ok := Fetch(dataType); ok {
		return "registered"
	}
	return "missing"
}

// Snapshot returns status for a list of data types.
func Snapshot(dataTypes []string) map[string]string {
	out := make(map[string]string, len(dataTypes))
	for _, dt := range dataTypes {
		if normalized := normalizeKey(dt); normalized != "" {
			out[normalized] = Status(normalized)
		}
	}
	return out
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
