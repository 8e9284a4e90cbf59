// ABOUTME: Default file locations for config, data and the gateway token
// ABOUTME: Follows XDG base directories with ~/.config and ~/.local/share fallbacks

package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath returns the path to the config file.
// Priority: HELIX_CONFIG env var > XDG_CONFIG_HOME/helix/gateway.yaml > ~/.config/helix/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("HELIX_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(configDir(), "gateway.yaml")
}

// desktopTokenLen is the length of the hex token the desktop app generates.
const desktopTokenLen = 64

// DefaultTokenPath is where the desktop app writes the local gateway token:
// ~/.helix/gateway-token. It returns "" when the home directory is unknown.
func DefaultTokenPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".helix", "gateway-token")
}

// DataDir returns the helix data directory.
// Priority: XDG_DATA_HOME/helix > ~/.local/share/helix
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "helix")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "." // fallback
		}
		dir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(dir, "helix")
}

// ResolveToken returns the gateway token.
// Priority: gateway.token > contents of gateway.token_file > DefaultTokenPath if present.
// A missing default token file is not an error; an unreadable token_file is.
// The desktop file is only trusted when it holds a 64-character hex token,
// which the desktop app regenerates otherwise.
func (c *Config) ResolveToken() (string, error) {
	if c.Gateway.Token != "" {
		return c.Gateway.Token, nil
	}

	if c.Gateway.TokenFile != "" {
		data, err := os.ReadFile(c.Gateway.TokenFile)
		if err != nil {
			return "", fmt.Errorf("reading gateway.token_file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	path := DefaultTokenPath()
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading default token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if !isDesktopToken(token) {
		return "", nil
	}
	return token, nil
}

func isDesktopToken(s string) bool {
	if len(s) != desktopTokenLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// DefaultOfflinePath returns where the offline queue lives for store: a
// database file for sqlite, a directory for file, and "" for memory.
func DefaultOfflinePath(store string) string {
	switch store {
	case "sqlite":
		return filepath.Join(DataDir(), "offline.db")
	case "file":
		return filepath.Join(DataDir(), "offline")
	default:
		return ""
	}
}
