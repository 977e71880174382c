package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

type valueKind int

const (
	kindString valueKind = iota
	kindBool
	kindInt
	kindFloat
	kindDuration
	kindList
)

// keyInfo describes one leaf of Config by its dot-separated key.
type keyInfo struct {
	kind   valueKind
	secret bool
}

var durationType = reflect.TypeOf(Duration(0))

// knownKeys is derived from Config's json tags. Fields tagged
// `secret:"true"` are masked when listed.
var knownKeys = sync.OnceValue(func() map[string]keyInfo {
	out := make(map[string]keyInfo)
	collectKeys("", reflect.TypeOf(Config{}), out)
	return out
})

func collectKeys(prefix string, t reflect.Type, out map[string]keyInfo) {
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		info := keyInfo{secret: f.Tag.Get("secret") == "true"}
		switch {
		case f.Type == durationType:
			info.kind = kindDuration
		case f.Type.Kind() == reflect.Struct:
			collectKeys(key, f.Type, out)
			continue
		case f.Type.Kind() == reflect.Slice:
			info.kind = kindList
		case f.Type.Kind() == reflect.Bool:
			info.kind = kindBool
		case f.Type.Kind() >= reflect.Int && f.Type.Kind() <= reflect.Uint64:
			info.kind = kindInt
		case f.Type.Kind() == reflect.Float32 || f.Type.Kind() == reflect.Float64:
			info.kind = kindFloat
		}
		out[key] = info
	}
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return knownKeys()[key].secret
}

// parseValue converts a command-line value for key into what the config
// file stores. Durations are kept as written ("90s") and lists are
// comma-separated. Keys Config does not know are stored as JSON when raw
// parses as JSON, as a string otherwise.
func parseValue(key, raw string) (any, error) {
	info, ok := knownKeys()[key]
	if !ok {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return raw, nil
		}
		return v, nil
	}
	switch info.kind {
	case kindBool:
		return strconv.ParseBool(raw)
	case kindInt:
		return strconv.ParseInt(raw, 10, 64)
	case kindFloat:
		return strconv.ParseFloat(raw, 64)
	case kindDuration:
		if _, err := time.ParseDuration(raw); err != nil {
			return nil, err
		}
		return raw, nil
	case kindList:
		items := []string{}
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		return items, nil
	default:
		return raw, nil
	}
}

// Flatten turns nested maps into dot-separated keys:
// {"store": {"driver": "redis"}} becomes {"store.driver": "redis"}.
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

// Unflatten is the inverse of Flatten. A key that names both a value and a
// section keeps the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		node := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		leaf := parts[len(parts)-1]
		if _, isSection := node[leaf].(map[string]any); !isSection {
			node[leaf] = v
		}
	}
	return out
}

// MaskSecrets returns a copy of flat with secret values reduced to "***"
// plus their last four characters. Empty secrets stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			out[k] = "***" + s[max(len(s)-4, 0):]
		}
	}
	return out
}

// render formats list values for display the way `config set` accepts
// them.
func render(flat map[string]any) map[string]any {
	for k, v := range flat {
		if knownKeys()[k].kind != kindList {
			continue
		}
		switch list := v.(type) {
		case nil:
			flat[k] = ""
		case []any:
			items := make([]string, len(list))
			for i, item := range list {
				items[i] = fmt.Sprint(item)
			}
			flat[k] = strings.Join(items, ",")
		}
	}
	return flat
}
