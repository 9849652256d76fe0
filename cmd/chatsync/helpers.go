package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/transflow/chatsync"
)

const requestTimeout = 15 * time.Second

// getClient creates a REST client authenticated with the session token.
func getClient() (*chatsync.Client, *Config) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync init <token>' or set CHATSYNC_TOKEN.")
		os.Exit(1)
	}

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...), cfg
}

// identity resolves the session identity, asking the server when no user
// id is configured.
func identity(ctx context.Context, client *chatsync.Client, cfg *Config) (chatsync.Identity, error) {
	id := chatsync.Identity{UserID: cfg.Auth.UserID, Token: cfg.Auth.Token}
	if id.UserID != "" {
		return id, nil
	}
	me, err := client.Chat().Account.Me(ctx)
	if err != nil {
		return id, fmt.Errorf("resolve user id: %w", err)
	}
	id.UserID = me.ID
	return id, nil
}

func newLogger(cfg *Config) *slog.Logger {
	env := cfg.Default.Environment
	if env == "" {
		env = "production"
	}
	return chatsync.NewLogger(env, cfg.Default.LogLevel)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// render prints v as JSON or YAML, or calls table for the default format.
func render(format string, v any, table func()) error {
	switch format {
	case "", "table":
		table()
		return nil
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown format %q (valid: table, json, yaml)", format)
	}
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
