package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initToken  string
	initUserID string
	initWSURL  string
)

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token for the HTTP and realtime APIs")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Identity to attach realtime channels as")
	initCmd.Flags().StringVar(&initWSURL, "ws-url", "", "Realtime root URL (derived from the base URL when empty)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store endpoints and credentials in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the API base URL, realtime URL and credentials in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = strings.TrimRight(args[0], "/")
		cfg.Default.WSURL = initWSURL
		if cfg.Default.WSURL == "" {
			ws, err := deriveWSURL(cfg.Default.BaseURL)
			if err != nil {
				return err
			}
			cfg.Default.WSURL = ws
		}
		if initToken != "" {
			cfg.Auth.Token = initToken
		}
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if cfg.Default.LogLevel == "" {
			cfg.Default.LogLevel = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		fmt.Printf("  Realtime URL: %s\n", cfg.Default.WSURL)
		return nil
	},
}

// deriveWSURL maps http(s)://host/... to ws(s)://host/ws.
func deriveWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("base url must be http or https, got %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}
