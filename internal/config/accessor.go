package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Keys are the JSON names joined by dots, e.g. "dispatch.workers" or
// "whatsapp.breaker.maxFailures". Only leaves (scalars and string lists) are
// addressable; sections are not.

var (
	keysOnce sync.Once
	keyTypes map[string]reflect.Type
)

// leafKeys maps every addressable key to its Go type. It is derived from the
// Config struct, so keys of omitempty fields exist even when they are unset.
func leafKeys() map[string]reflect.Type {
	keysOnce.Do(func() {
		keyTypes = make(map[string]reflect.Type)
		collectKeys("", reflect.TypeOf(Config{}), keyTypes)
	})
	return keyTypes
}

func collectKeys(prefix string, t reflect.Type, out map[string]reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" || !f.IsExported() {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			collectKeys(name, f.Type, out)
			continue
		}
		out[name] = f.Type
	}
}

// Keys lists every settable key in order.
func Keys() []string {
	types := leafKeys()
	keys := make([]string, 0, len(types))
	for k := range types {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func keyType(key string) (reflect.Type, error) {
	t, ok := leafKeys()[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key %q (see 'convoflow config paths')", key)
	}
	return t, nil
}

func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func lookup(tree map[string]any, key string) (any, bool) {
	var cur any = tree
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetByPath returns the value of key (e.g. "grouping.defaultBufferSeconds").
// Unset omitempty fields report their zero value.
func GetByPath(cfg *Config, key string) (any, error) {
	t, err := keyType(key)
	if err != nil {
		return nil, err
	}
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	if v, ok := lookup(tree, key); ok {
		return v, nil
	}
	return reflect.Zero(t).Interface(), nil
}

// SetByPath parses value according to the type of key and stores it in cfg.
// Lists take comma-separated values; an empty value clears them.
func SetByPath(cfg *Config, key string, value string) error {
	t, err := keyType(key)
	if err != nil {
		return err
	}
	v, err := parseValue(t, value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(key, ".")
	parent := tree
	for _, part := range parts[:len(parts)-1] {
		child, ok := parent[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			parent[part] = child
		}
		parent = child
	}
	parent[parts[len(parts)-1]] = v

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func parseValue(t reflect.Type, s string) (any, error) {
	switch t.Kind() {
	case reflect.String:
		return s, nil
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", s)
		}
		return b, nil
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q", s)
		}
		return n, nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", s)
		}
		return f, nil
	case reflect.Slice:
		items := []string{}
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	for _, secret := range []*string{
		&out.WhatsApp.AppSecret,
		&out.WhatsApp.AccessToken,
		&out.WhatsApp.VerifyToken,
		&out.API.IngestSecret,
		&out.Responder.APIKey,
		&out.Generator.APIKey,
	} {
		if *secret != "" {
			*secret = maskString(*secret)
		}
	}
	return &out
}

// maskString keeps the first and last 4 characters of long secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every key with its current value.
func ListPaths(cfg *Config) map[string]any {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any, len(leafKeys()))
	for k, t := range leafKeys() {
		if v, ok := lookup(tree, k); ok {
			out[k] = v
		} else {
			out[k] = reflect.Zero(t).Interface()
		}
	}
	return out
}
