package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// GetByPath reads one value by dot path, e.g. "gateway.port" or
// "channels.slack.accounts.0.token". Numeric segments index arrays.
func GetByPath(cfg *Config, path string) (any, error) {
	doc, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = doc
	for _, key := range strings.Split(path, ".") {
		next, err := step(node, key, false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		node = next
	}
	return node, nil
}

// SetByPath assigns value at path. Strings are parsed as bool or number when
// they look like one. Missing objects along the path are created; array
// indexes must already exist.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	doc, err := tree(cfg)
	if err != nil {
		return err
	}
	keys := strings.Split(path, ".")
	var node any = doc
	for _, key := range keys[:len(keys)-1] {
		if node, err = step(node, key, true); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	last := keys[len(keys)-1]
	switch n := node.(type) {
	case map[string]any:
		n[last] = coerce(value)
	case []any:
		i, err := index(n, last)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		n[i] = coerce(value)
	default:
		return fmt.Errorf("%s: %q is not an object", path, last)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var next Config
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	*cfg = next
	return nil
}

// tree renders cfg as a generic JSON document with integers kept as int64.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return jsonDocument(data)
}

func step(node any, key string, create bool) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[key]
		if !ok {
			if !create {
				return nil, fmt.Errorf("key not found: %s", key)
			}
			child = map[string]any{}
			n[key] = child
		}
		return child, nil
	case []any:
		i, err := index(n, key)
		if err != nil {
			return nil, err
		}
		return n[i], nil
	}
	return nil, fmt.Errorf("cannot descend into %T at %s", node, key)
}

func index(list []any, key string) (int, error) {
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || i >= len(list) {
		return 0, fmt.Errorf("index %s out of range (len %d)", key, len(list))
	}
	return i, nil
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a deep copy of cfg with credentials masked. The input is
// never modified.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}

	mask(&out.Gateway.APIKey)
	for k, v := range out.Tracing.Headers {
		mask(&v)
		out.Tracing.Headers[k] = v
	}
	for _, name := range ChannelNames {
		section := out.Channels.sectionPtr(name)
		for i := range section.Accounts {
			a := &section.Accounts[i]
			mask(&a.Token)
			mask(&a.AppToken)
			mask(&a.AppSecret)
			mask(&a.VerifyToken)
		}
	}
	return &out
}

// mask keeps the first and last four characters of long secrets.
func mask(s *string) {
	switch {
	case *s == "":
	case len(*s) <= 8:
		*s = "***"
	default:
		*s = (*s)[:4] + "****" + (*s)[len(*s)-4:]
	}
}

// ListPaths flattens cfg into path => leaf value. Array elements appear under
// their index.
func ListPaths(cfg *Config) map[string]any {
	doc, err := tree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", doc, out)
	return out
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, node any, out map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			flatten(join(k), v, out)
		}
	case []any:
		for i, v := range n {
			flatten(join(strconv.Itoa(i)), v, out)
		}
	default:
		out[prefix] = n
	}
}
