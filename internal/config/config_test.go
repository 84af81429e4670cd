package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.Password = "passw0rd"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate once a password is set: %v", err)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Password = "x"
	cfg.ServerPort = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidateRejectsUnsupportedMethod(t *testing.T) {
	cfg := Default()
	cfg.Password = "x"
	cfg.Method = "des-cfb"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported method")
	}
}

func TestValidateRejectsEmptyPassword(t *testing.T) {
	cfg := Default()
	cfg.Password = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	const body = `{"server":"127.0.0.1","server_port":18388,"password":"passw0rd","method":"aes-256-cfb","timeout":300,"max_connections":100,"target_connect_timeout":10}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerPort != 18388 || cfg.MaxConnections != 100 {
		t.Fatalf("got %+v", cfg)
	}
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	const body = `{"server":"127.0.0.1","server_port":18388,"password":"passw0rd","method":"aes-256-cfb","timeout":300,"max_connections":100,"target_connect_timeout":10}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SS_MAX_CONNECTIONS", "500")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConnections != 500 {
		t.Fatalf("env override not applied, got %+v", cfg)
	}
}
