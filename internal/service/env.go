// Package service holds the process plumbing shared by the nightwatch
// binaries: environment configuration, JSON responses, request logging with
// Prometheus instrumentation, and the metrics listener.
package service

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Env reads settings from environment variables. Unset variables yield the
// default; values that do not parse or are out of range are logged and also
// yield the default.
type Env struct {
	Logger *slog.Logger
}

func (e Env) invalid(key, raw string, def any) {
	l := e.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Warn("invalid env var, using default", "key", key, "value", raw, "default", def)
}

func (e Env) String(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Int accepts positive integers only.
func (e Env) Int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		e.invalid(key, raw, def)
		return def
	}
	return v
}

// Duration accepts positive durations only.
func (e Env) Duration(key string, def time.Duration) time.Duration {
	d, ok := e.duration(key, def)
	if ok && d == 0 {
		e.invalid(key, os.Getenv(key), def)
		return def
	}
	return d
}

// Window is Duration that also accepts zero, for settings where zero turns
// the check off.
func (e Env) Window(key string, def time.Duration) time.Duration {
	d, _ := e.duration(key, def)
	return d
}

func (e Env) duration(key string, def time.Duration) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		e.invalid(key, raw, def)
		return def, false
	}
	return d, true
}

func (e Env) Bool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.invalid(key, raw, def)
		return def
	}
	return v
}

// Choice returns the lower-cased value of key if it is one of allowed.
func (e Env) Choice(key, def string, allowed ...string) string {
	raw := strings.ToLower(e.String(key, def))
	for _, a := range allowed {
		if raw == a {
			return raw
		}
	}
	e.invalid(key, raw, def)
	return def
}
