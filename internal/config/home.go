package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetArborHome returns the arbor home directory
// Priority order:
//  1. ARBOR_HOME environment variable (if set)
//  2. Project root (detected by finding a .arbor-root marker or go.mod)
//  3. Current working directory (fallback)
//
// The directory is created if it doesn't exist
func GetArborHome() (string, error) {
	// Try env var first
	if home := os.Getenv("ARBOR_HOME"); home != "" {
		return home, nil
	}

	if root, err := findProjectRoot(); err == nil && root != "" {
		return ensureDir(filepath.Join(root, ".arbor"))
	}

	// Fallback to current working directory
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return ensureDir(filepath.Join(cwd, ".arbor"))
}

func ensureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create arbor home directory: %w", err)
	}
	return dir, nil
}

// findProjectRoot walks up from the working directory looking for a
// .arbor-root marker file or a go.mod.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		// Marker file takes priority over go.mod
		if _, err := os.Stat(filepath.Join(current, ".arbor-root")); err == nil {
			return current, nil
		}
		if data, err := os.ReadFile(filepath.Join(current, "go.mod")); err == nil {
			if strings.Contains(string(data), "module ") {
				return current, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			// Reached filesystem root
			break
		}
		current = parent
	}

	return "", fmt.Errorf("project root not found (looking for .arbor-root or go.mod)")
}

// GetMemoryDir resolves the memory directory against the arbor home when
// the configured path is relative.
func (c *Config) GetMemoryDir() (string, error) {
	if filepath.IsAbs(c.MemoryDir) {
		return c.MemoryDir, nil
	}
	home, err := GetArborHome()
	if err != nil {
		return "", err
	}
	// Configured paths already under .arbor are taken relative to its parent.
	rel := strings.TrimPrefix(c.MemoryDir, ".arbor"+string(filepath.Separator))
	return filepath.Join(home, rel), nil
}

// GetIndexPath resolves the episode index path the same way as GetMemoryDir.
func (c *Config) GetIndexPath() (string, error) {
	if c.IndexPath == "" || filepath.IsAbs(c.IndexPath) {
		return c.IndexPath, nil
	}
	home, err := GetArborHome()
	if err != nil {
		return "", err
	}
	rel := strings.TrimPrefix(c.IndexPath, ".arbor"+string(filepath.Separator))
	return filepath.Join(home, rel), nil
}
