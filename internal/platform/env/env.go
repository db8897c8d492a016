// Package env reads REEXEC_* configuration from the process environment.
// Unset and blank variables take the default.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func parse[T any](key string, def T, fn func(string) (T, error)) (T, error) {
	v, ok := lookup(key)
	if !ok {
		return def, nil
	}
	out, err := fn(v)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse %s: %w", key, err)
	}
	return out, nil
}

func String(key string, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	return parse(key, def, time.ParseDuration)
}

func Bool(key string, def bool) (bool, error) {
	return parse(key, def, strconv.ParseBool)
}

func Int(key string, def int) (int, error) {
	return parse(key, def, strconv.Atoi)
}

func Float(key string, def float64) (float64, error) {
	return parse(key, def, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}

// List splits a comma-separated value, dropping blank entries.
func List(key string) []string {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Enum reads a lower-cased value that must be one of allowed.
func Enum(key string, def string, allowed ...string) (string, error) {
	return parse(key, def, func(v string) (string, error) {
		v = strings.ToLower(v)
		for _, candidate := range allowed {
			if v == candidate {
				return v, nil
			}
		}
		return "", fmt.Errorf("%q is not one of %s", v, strings.Join(allowed, "|"))
	})
}
