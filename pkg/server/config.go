package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"
)

// TOMLConfig represents the structure of the server config file.
// Environment variables (PARLEY_*) override file values, and command-line
// flags in cmd/server override both.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Chat   ChatSection   `toml:"chat"`
}

type ServerSection struct {
	Host     string `toml:"host" env:"PARLEY_HOST"`
	Port     int    `toml:"port" env:"PARLEY_PORT"`
	HTTPPort int    `toml:"http_port" env:"PARLEY_HTTP_PORT"`
}

type ChatSection struct {
	BackupFile        string `toml:"backup_file" env:"PARLEY_BACKUP_FILE"`
	BackupLastMessage int    `toml:"backup_last_message" env:"PARLEY_BACKUP_LAST_MESSAGE"`
	LifetimeMessage   int    `toml:"lifetime_message" env:"PARLEY_LIFETIME_MESSAGE"`
	LimitMessage      int    `toml:"limit_message" env:"PARLEY_LIMIT_MESSAGE"`
	LimitTime         int    `toml:"limit_time" env:"PARLEY_LIMIT_TIME"`
	BanTime           int    `toml:"ban_time" env:"PARLEY_BAN_TIME"`
	SnapshotFile      string `toml:"snapshot_file" env:"PARLEY_SNAPSHOT_FILE"`
	RestoreFile       string `toml:"restore_file" env:"PARLEY_RESTORE_FILE"`
}

// ServerConfig holds the resolved runtime configuration.
type ServerConfig struct {
	Host              string
	Port              int
	HTTPPort          int
	BackupFile        string
	BackupLastMessage int
	LifetimeMessage   int // seconds a record stays replayable
	LimitMessage      int // messages per rate window
	LimitTime         int // rate window length, seconds
	BanTime           int // ban duration, seconds
	SnapshotFile      string
	RestoreFile       string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:              "127.0.0.1",
		Port:              8000,
		HTTPPort:          8001,
		BackupFile:        "backup.csv",
		BackupLastMessage: 20,
		LifetimeMessage:   3600,
		LimitMessage:      20,
		LimitTime:         3600,
		BanTime:           14400,
		SnapshotFile:      "user-stats.json",
		// Historical mismatch with SnapshotFile, kept for compatibility:
		// a restart never reloads state unless the operator renames the
		// snapshot by hand.
		RestoreFile: "user-stat.json",
	}
}

// DefaultTOMLConfig returns the default TOML configuration.
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Host:     def.Host,
			Port:     def.Port,
			HTTPPort: def.HTTPPort,
		},
		Chat: ChatSection{
			BackupFile:        def.BackupFile,
			BackupLastMessage: def.BackupLastMessage,
			LifetimeMessage:   def.LifetimeMessage,
			LimitMessage:      def.LimitMessage,
			LimitTime:         def.LimitTime,
			BanTime:           def.BanTime,
			SnapshotFile:      def.SnapshotFile,
			RestoreFile:       def.RestoreFile,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file
// if none exists, then applies environment overrides.
func LoadConfig(ctx context.Context, path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	var config TOMLConfig
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config. If we can't write,
		// just run with defaults (might be a permissions issue).
		config = DefaultTOMLConfig()
		_ = writeDefaultConfig(path, config)
	} else {
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file.
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Parley Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig, falling back to
// defaults for unset values.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = c.Server.Host
	}
	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Chat.BackupFile) != "" {
		cfg.BackupFile = c.Chat.BackupFile
	}
	if c.Chat.BackupLastMessage != 0 {
		cfg.BackupLastMessage = c.Chat.BackupLastMessage
	}
	if c.Chat.LifetimeMessage != 0 {
		cfg.LifetimeMessage = c.Chat.LifetimeMessage
	}
	if c.Chat.LimitMessage != 0 {
		cfg.LimitMessage = c.Chat.LimitMessage
	}
	if c.Chat.LimitTime != 0 {
		cfg.LimitTime = c.Chat.LimitTime
	}
	if c.Chat.BanTime != 0 {
		cfg.BanTime = c.Chat.BanTime
	}
	if strings.TrimSpace(c.Chat.SnapshotFile) != "" {
		cfg.SnapshotFile = c.Chat.SnapshotFile
	}
	if strings.TrimSpace(c.Chat.RestoreFile) != "" {
		cfg.RestoreFile = c.Chat.RestoreFile
	}

	return cfg
}
