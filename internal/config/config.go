// Package config defines the relay's immutable startup Configuration,
// adapted from the teacher's config/config.go reflect-based env overlay
// but narrowed to the fields the relay core actually consumes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/chengchnegcheng/ssrelay/internal/relayerr"
)

// Config is the populated, validated value passed into the Relay at
// startup. It is never mutated after Validate succeeds.
type Config struct {
	Server               string `json:"server" env:"SS_SERVER"`
	ServerPort           int    `json:"server_port" env:"SS_SERVER_PORT"`
	Password             string `json:"password" env:"SS_PASSWORD"`
	Method               string `json:"method" env:"SS_METHOD"`
	Timeout              int    `json:"timeout" env:"SS_TIMEOUT"`
	MaxConnections       int    `json:"max_connections" env:"SS_MAX_CONNECTIONS"`
	TargetConnectTimeout int    `json:"target_connect_timeout" env:"SS_TARGET_CONNECT_TIMEOUT"`
	FastOpen             bool   `json:"fast_open" env:"SS_FAST_OPEN"`
	Workers              int    `json:"workers" env:"SS_WORKERS"`
	Verbose              bool   `json:"verbose" env:"SS_VERBOSE"`
}

// DNSTimeout is fixed per spec and is not configurable.
const DNSTimeout = 5 * time.Second

// IdleTimeout returns the configured idle timeout as a duration. The
// JSON/env field is named "timeout" for compatibility with the
// reference configuration file's key, but it governs sweeper idleness.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// TargetDialTimeout returns the configured dial timeout as a duration.
func (c Config) TargetDialTimeout() time.Duration {
	return time.Duration(c.TargetConnectTimeout) * time.Second
}

// Default returns a Config with every field at its documented default,
// for callers that construct one programmatically (tests, embedders)
// rather than loading from disk.
func Default() Config {
	return Config{
		Server:               "0.0.0.0",
		ServerPort:           8388,
		Method:               "aes-256-cfb",
		Timeout:              300,
		MaxConnections:       1024,
		TargetConnectTimeout: 10,
		Workers:              1,
	}
}

// Load reads a JSON configuration file, then overlays any SS_*
// environment variables present, the way the teacher's config.Load
// layers loadFromFile then loadFromEnv.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, relayerr.New(relayerr.KindFatal, "read config file", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, relayerr.New(relayerr.KindFatal, "parse config file", err)
		}
	}
	if err := overlayEnv(&cfg); err != nil {
		return Config{}, relayerr.New(relayerr.KindFatal, "apply env overrides", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// overlayEnv walks Config's fields by reflection and applies any
// matching environment variable named in the `env` tag, mirroring the
// teacher's config/config.go loadFromEnv.
func overlayEnv(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := os.LookupEnv(tag)
		if !ok {
			continue
		}
		field := v.Field(i)
		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("env %s: %w", tag, err)
			}
			field.SetInt(int64(n))
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("env %s: %w", tag, err)
			}
			field.SetBool(b)
		}
	}
	return nil
}

// Validate enforces every numeric range and non-empty field the spec
// requires, returning a Fatal-kind error on the first violation.
func (c Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fieldErr("server_port", c.ServerPort, "1..65535")
	}
	if c.Password == "" {
		return relayerr.New(relayerr.KindFatal, "password must not be empty", nil)
	}
	if _, ok := supportedMethods[c.Method]; !ok {
		return relayerr.New(relayerr.KindFatal, fmt.Sprintf("unsupported cipher method %q", c.Method), nil)
	}
	if c.MaxConnections < 1 || c.MaxConnections > 10000 {
		return fieldErr("max_connections", c.MaxConnections, "1..10000")
	}
	if c.Timeout < 60 || c.Timeout > 604800 {
		return fieldErr("timeout", c.Timeout, "60..604800")
	}
	if c.TargetConnectTimeout < 5 || c.TargetConnectTimeout > 300 {
		return fieldErr("target_connect_timeout", c.TargetConnectTimeout, "5..300")
	}
	return nil
}

func fieldErr(name string, got int, want string) error {
	return relayerr.New(relayerr.KindFatal, fmt.Sprintf("%s=%d out of range %s", name, got, want), nil)
}

var supportedMethods = map[string]struct{}{
	"aes-128-cfb": {}, "aes-192-cfb": {}, "aes-256-cfb": {},
	"aes-128-cfb8": {}, "aes-192-cfb8": {}, "aes-256-cfb8": {},
	"aes-128-ctr": {}, "aes-192-ctr": {}, "aes-256-ctr": {},
	"bf-cfb": {}, "rc4-md5": {},
}
