package main

import (
	"strings"
	"testing"

	toml "github.com/pelletier/go-toml/v2"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	for key, value := range map[string]string{
		"default.base_url":    "https://chat.example.com",
		"default.environment": "development",
		"default.log_level":   "debug",
		"auth.token":          "tok-123",
		"auth.user_id":        "u1",
	} {
		if err := setConfigValue(cfg, key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	want := Config{
		Default: ConfigDefault{Environment: "development", BaseURL: "https://chat.example.com", LogLevel: "debug"},
		Auth:    ConfigAuth{Token: "tok-123", UserID: "u1"},
	}
	if *cfg != want {
		t.Fatalf("expected %+v, got %+v", want, *cfg)
	}

	for _, key := range []string{"token", "auth.api_key", "default.token", "other.field"} {
		if err := setConfigValue(cfg, key, "x"); err == nil {
			t.Errorf("expected error for %q", key)
		}
	}
}

func TestSetConfigValueValidates(t *testing.T) {
	cfg := &Config{}
	for key, value := range map[string]string{
		"default.base_url":  "chat.example.com",
		"default.log_level": "verbose",
	} {
		if err := setConfigValue(cfg, key, value); err == nil {
			t.Errorf("expected %s=%q to be rejected", key, value)
		}
	}
	if err := setConfigValue(cfg, "default.base_url", "wss://chat.example.com"); err != nil {
		t.Fatalf("expected websocket URL accepted, got %v", err)
	}
	if *cfg != (Config{Default: ConfigDefault{BaseURL: "wss://chat.example.com"}}) {
		t.Fatalf("expected only the valid value stored, got %+v", *cfg)
	}
}

func TestConfigKeysHelp(t *testing.T) {
	help := configKeysHelp()
	for _, k := range configKeys {
		if !strings.Contains(help, k.Name) {
			t.Errorf("expected help to list %s", k.Name)
		}
		if err := setConfigValue(&Config{}, k.Name, "https://chat.example.com"); err != nil && k.Validate == nil {
			t.Errorf("expected %s to be settable, got %v", k.Name, err)
		}
	}
	if _, ok := lookupConfigKey("auth.api_key"); ok {
		t.Fatal("expected unknown key lookup to fail")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{
		Default: ConfigDefault{BaseURL: "https://file.example.com", Environment: "production"},
		Auth:    ConfigAuth{Token: "file-token", UserID: "u1"},
	}
	env := map[string]string{
		"CHATSYNC_TOKEN":     "env-token",
		"CHATSYNC_LOG_LEVEL": "warn",
	}
	applyEnv(cfg, func(k string) string { return env[k] })

	if cfg.Auth.Token != "env-token" || cfg.Default.LogLevel != "warn" {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
	if cfg.Auth.UserID != "u1" || cfg.Default.BaseURL != "https://file.example.com" {
		t.Fatalf("expected unset env to keep file values, got %+v", cfg)
	}
}

func TestConfigTOMLLayout(t *testing.T) {
	cfg := Config{Auth: ConfigAuth{Token: "tok", UserID: "u1"}}
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var back Config
	if err := toml.Unmarshal([]byte("[auth]\ntoken = 'tok'\nuser_id = 'u1'\n"), &back); err != nil {
		t.Fatal(err)
	}
	if back != cfg {
		t.Fatalf("expected %+v from hand-written file, got %+v (marshalled: %s)", cfg, back, data)
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"short", "****"},
		{"tok-abcdefghijkl", "tok-ab...ijkl"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.in); got != tt.want {
			t.Errorf("maskKey(%q) = %q, expected %q", tt.in, got, tt.want)
		}
	}
}
