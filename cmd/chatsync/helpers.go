package main

import (
	"fmt"
	"os"
	"strings"

	chatsync "github.com/LuminPulse-AI/chatsync"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// getConfig loads the effective config or exits.
func getConfig() *Config {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'chatsync init <base-url>' first.")
		os.Exit(1)
	}
	return cfg
}

// getClient creates an HTTP client authenticated with the configured token.
func getClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(cfg.Default.BaseURL, cfg.Auth.Token, chatsync.WithUserAgent("chatsync-cli"))
}

// getSession builds a session for the configured identity. The caller starts
// and stops it.
func getSession(cfg *Config, logger *zap.Logger) (*chatsync.Session, error) {
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no user id; run 'chatsync config set auth.user_id <id>'")
	}
	if cfg.Default.WSURL == "" {
		return nil, fmt.Errorf("no realtime url; run 'chatsync config set default.ws_url <url>'")
	}

	rt := chatsync.RealtimeConfig{Logger: logger}
	if cfg.Auth.Token != "" {
		rt.Dialer = &chatsync.WebsocketDialer{
			Header: map[string][]string{"Authorization": {"Bearer " + cfg.Auth.Token}},
		}
	}
	return chatsync.NewSession(chatsync.SessionConfig{
		RealtimeURL: cfg.Default.WSURL,
		Client:      getClient(cfg),
		Realtime:    rt,
		LabelsFile:  cfg.Notifications.LabelsFile,
		Logger:      logger,
	})
}

// sessionIdentity is the configured user id, or the subject of the token.
func sessionIdentity(auth ConfigAuth) string {
	if auth.UserID != "" {
		return auth.UserID
	}
	if auth.Token == "" {
		return ""
	}
	claims, err := tokenClaims(auth.Token)
	if err != nil {
		return ""
	}
	return claims.Subject
}

// parseLevel accepts zap level names; empty means warn.
func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.WarnLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
	}
	return lvl, nil
}

// newLogger builds a console logger on stderr so command output stays clean.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.DisableStacktrace = true
	return zc.Build()
}
