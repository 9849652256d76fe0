package main

import (
	"fmt"
	"net/url"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// configKey describes one settable key and how its value is checked.
type configKey struct {
	Name     string
	Usage    string
	Validate func(string) error
}

var configKeys = []configKey{
	{"default.base_url", "chat server root; the websocket endpoint is derived from it", validateServerURL},
	{"default.environment", "development or local selects colored text logs, anything else JSON", nil},
	{"default.log_level", "debug, info, warn or error", validateLogLevel},
	{"auth.token", "session token sent on REST calls and the websocket handshake", nil},
	{"auth.user_id", "your user id; the live session must authenticate as this user", nil},
}

func lookupConfigKey(name string) (configKey, bool) {
	for _, k := range configKeys {
		if k.Name == name {
			return k, true
		}
	}
	return configKey{}, false
}

func validateServerURL(v string) error {
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL, got %q", v)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return nil
	}
	return fmt.Errorf("base_url scheme must be http, https, ws or wss, got %q", u.Scheme)
}

func validateLogLevel(v string) error {
	switch strings.ToLower(v) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("log_level must be debug, info, warn or error, got %q", v)
}

func configKeysHelp() string {
	var b strings.Builder
	for _, k := range configKeys {
		fmt.Fprintf(&b, "  %-22s %s\n", k.Name, k.Usage)
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with the session token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if *cfg == (Config{}) {
			fmt.Println("No configuration found. Run 'chatsync init <token>' to create one.")
			return nil
		}
		shown := *cfg
		if shown.Auth.Token != "" {
			shown.Auth.Token = maskKey(shown.Auth.Token)
		}
		data, err := toml.Marshal(shown)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the settable configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(configKeysHelp())
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Example: chatsync config set default.base_url https://chat.example.com\n\nKeys:\n" +
		configKeysHelp() +
		"\nCHATSYNC_TOKEN, CHATSYNC_USER_ID, CHATSYNC_BASE_URL, CHATSYNC_ENV and CHATSYNC_LOG_LEVEL\n" +
		"override the stored values at run time.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		if key == "auth.user_id" || key == "auth.token" {
			fmt.Println("Restart any running 'chatsync watch' to reconnect with the new identity.")
		}
		return nil
	},
}
