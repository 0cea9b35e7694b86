package config

import (
	"maps"
	"slices"
	"strings"
)

// secretKeys are masked by MaskSecrets and `config set` output.
var secretKeys = map[string]bool{
	"telegram.token":        true,
	"github.token":          true,
	"github.webhook_secret": true,
}

func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns nested maps into dot-separated keys:
// {"github": {"token": "x"}} becomes {"github.token": "x"}.
// Empty nested maps produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A scalar sitting where a nested key
// needs a map is replaced by one.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		setPath(out, strings.Split(key, "."), v)
	}
	return out
}

func setPath(m map[string]any, path []string, v any) {
	for _, part := range path[:len(path)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

// SortedKeys returns the keys of flat in lexical order.
func SortedKeys(flat map[string]any) []string {
	return slices.Sorted(maps.Keys(flat))
}

// MaskSecrets returns a copy of flat with non-empty secret values shown as
// "***" plus their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := maps.Clone(flat)
	for k, v := range flat {
		if s, ok := v.(string); ok && secretKeys[k] && s != "" {
			out[k] = mask(s)
		}
	}
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}
