package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	flagConfigPath string
	flagLogLevel   string
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file in use.
func configPath() (string, error) {
	if flagConfigPath != "" {
		return flagConfigPath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadFileConfig reads the config file without environment overrides, for
// commands that write it back.
func loadFileConfig() (*chatsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return chatsync.LoadConfig(path)
}

// loadConfig reads the config file and applies CHATSYNC_* overrides,
// including those from a .env file in the working directory.
func loadConfig() (*chatsync.Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read .env: %w", err)
	}
	cfg.ApplyEnv(nil)
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return cfg, nil
}

func saveConfig(cfg *chatsync.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return cfg.Save(path)
}

func newLogger(cfg *chatsync.Config) *slog.Logger {
	return chatsync.NewLogger(cfg.Log.Level, os.Stderr)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Chat thread sync CLI",
	Long:          "Command-line client for chat threads.\nRead history, send messages and follow a thread live.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file (default ~/.chatsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
