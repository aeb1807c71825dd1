package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, without .env or environment overrides")
}

// envBinding ties a CHATSYNC_* variable to the config key it overrides.
type envBinding struct {
	env   string
	key   string
	field func(*Config) *string
}

var envBindings = []envBinding{
	{"CHATSYNC_BASE_URL", "default.base_url", func(c *Config) *string { return &c.Default.BaseURL }},
	{"CHATSYNC_WS_URL", "default.ws_url", func(c *Config) *string { return &c.Default.WSURL }},
	{"CHATSYNC_LOG_LEVEL", "default.log_level", func(c *Config) *string { return &c.Default.LogLevel }},
	{"CHATSYNC_TOKEN", "auth.token", func(c *Config) *string { return &c.Auth.Token }},
	{"CHATSYNC_USER_ID", "auth.user_id", func(c *Config) *string { return &c.Auth.UserID }},
}

// envOverrides returns the bindings whose variable is set, in table order.
func envOverrides(getenv func(string) string) []envBinding {
	var out []envBinding
	for _, b := range envBindings {
		if getenv(b.env) != "" {
			out = append(out, b)
		}
	}
	return out
}

// renderEffectiveConfig prints cfg as TOML with the token masked, followed by
// a comment block naming each overridden key.
func renderEffectiveConfig(cfg *Config, overrides []envBinding) (string, error) {
	shown := *cfg
	if shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}

	var b strings.Builder
	b.Write(data)
	if len(overrides) > 0 {
		b.WriteString("\n# Overridden by environment:\n")
		for _, o := range overrides {
			fmt.Fprintf(&b, "#   %-18s <- %s\n", o.key, o.env)
		}
	}
	return b.String(), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration the other commands run with: the config file merged with .env and CHATSYNC_* variables. The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'chatsync init <base-url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		out, err := renderEffectiveConfig(cfg, envOverrides(os.Getenv))
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", path, out)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set auth.user_id user-123",
	Args:  cobra.ExactArgs(2),
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
		for _, o := range envOverrides(os.Getenv) {
			if o.key == key {
				fmt.Printf("Note: %s is set and overrides this value.\n", o.env)
			}
		}
		return nil
	},
}
