package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Option customises how Load and EnvironmentValues read the environment.
type Option func(*sources)

type sources struct {
	dotenv   string
	explicit map[string]string
	system   bool
	secrets  SecretResolver
}

// WithEnvFile reads local overrides from path instead of ./.env. An empty path disables the file.
func WithEnvFile(path string) Option {
	return func(s *sources) { s.dotenv = path }
}

// WithEnvMap supplies values that win over both the OS environment and the env file.
func WithEnvMap(values map[string]string) Option {
	return func(s *sources) { s.explicit = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(s *sources) { s.system = false }
}

// WithSecretResolver resolves sm:// and secret:// values, e.g. through Secret Manager.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(s *sources) { s.secrets = resolver }
}

func newSources(opts []Option) sources {
	s := sources{dotenv: ".env", system: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// EnvironmentValues merges env file < OS environment < WithEnvMap. Binaries call it before
// Load to find the Secret Manager project the resolver needs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	return newSources(opts).merge()
}

func (s sources) merge() (map[string]string, error) {
	values := map[string]string{}
	if s.dotenv != "" {
		fromFile, err := godotenv.Read(s.dotenv)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: parse %s: %w", s.dotenv, err)
		default:
			values = fromFile
		}
	}
	if s.system {
		for _, kv := range os.Environ() {
			if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
				values[key] = value
			}
		}
	}
	for key, value := range s.explicit {
		values[key] = value
	}
	return values, nil
}

// env reads typed values out of the merged map. Blank or unparsable values fall back.
type env map[string]string

func (e env) str(key, fallback string) string {
	if v := strings.TrimSpace(e[key]); v != "" {
		return v
	}
	return fallback
}

func (e env) lower(key, fallback string) string { return strings.ToLower(e.str(key, fallback)) }

func (e env) upper(key, fallback string) string { return strings.ToUpper(e.str(key, fallback)) }

func (e env) int(key string, fallback int) int {
	if n, err := strconv.Atoi(e.str(key, "")); err == nil {
		return n
	}
	return fallback
}

func (e env) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(e.str(key, "")); err == nil {
		return d
	}
	return fallback
}

// list splits a comma separated value, dropping blanks.
func (e env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e[key], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "prod=a,stg=b" into a map keyed by the lowercased left side.
func (e env) pairs(key string) map[string]string {
	out := map[string]string{}
	for _, entry := range e.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name, value = strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}
