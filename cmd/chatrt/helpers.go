package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	chatrt "github.com/teamgrid-hq/chatrt-go"
)

// newLogger builds a console logger at the configured level.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.WarnLevel
	if cfg.Default.LogLevel != "" {
		if l, err := zerolog.ParseLevel(cfg.Default.LogLevel); err == nil {
			level = l
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()
}

// getClient creates an API client from the stored configuration.
func getClient() (*chatrt.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" || cfg.Auth.SessionToken == "" {
		fmt.Fprintln(os.Stderr, "Not configured. Run 'chatrt init <base-url> <session-token> <user-id>' first.")
		os.Exit(1)
	}

	client := chatrt.NewClient(cfg.Default.BaseURL, cfg.Auth.SessionToken,
		chatrt.WithLogger(newLogger(cfg)))
	return client, cfg
}
