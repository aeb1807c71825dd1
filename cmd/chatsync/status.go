package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service status",
	Long:  "Display the effective configuration, check if the token is expired, and probe the HTTP API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Realtime URL: %s\n", valueOrDefault(cfg.Default.WSURL, "(not set)"))
		fmt.Printf("  Log level:    %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))
		if cfg.Notifications.LabelsFile != "" {
			fmt.Printf("  Labels file:  %s\n", cfg.Notifications.LabelsFile)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Token:        %s\n", tokenStatus(cfg.Auth, time.Now()))

		if cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := getClient(cfg)
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  API:          unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("  API:          ok")

		if cfg.Auth.Token != "" {
			convs, err := client.Conversations(ctx)
			if err != nil {
				fmt.Printf("  Conversations: error (%v)\n", err)
				return nil
			}
			unread := 0
			for _, c := range convs {
				unread += c.UnreadCount
			}
			fmt.Printf("  Conversations: %d\n", len(convs))
			fmt.Printf("  Unread:        %d\n", unread)
		}
		return nil
	},
}

func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.Token == "" {
		return "none"
	}
	var expires time.Time
	if auth.TokenExpires == "" {
		claims, err := tokenClaims(auth.Token)
		if err != nil || claims.ExpiresAt == nil {
			return "present (no expiry set)"
		}
		expires = claims.ExpiresAt.Time.UTC()
	} else {
		t, err := time.Parse(time.RFC3339, auth.TokenExpires)
		if err != nil {
			return fmt.Sprintf("present (unparseable expiry: %s)", auth.TokenExpires)
		}
		expires = t
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}

// tokenClaims reads the registered claims of a JWT without verifying its
// signature. The server is the only party that can verify it.
func tokenClaims(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
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
