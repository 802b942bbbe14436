package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const AppConfigDir = ".config/agora"

// GetConfigDir returns ~/.config/agora, creating it when missing.
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	dir := filepath.Join(home, AppConfigDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// ResolveFilePath prefers name in the working directory, then in the config
// directory. When neither exists the config directory path is returned so
// the file gets created there. Absolute paths and sqlite's :memory: pass
// through untouched.
func ResolveFilePath(name string) string {
	return resolve("", name)
}

// ResolveFilePathWithSubdir is ResolveFilePath for subdir/name; the
// subdirectory is created under the config directory if needed.
func ResolveFilePathWithSubdir(subdir, name string) string {
	return resolve(subdir, name)
}

func resolve(subdir, name string) string {
	if name == ":memory:" || filepath.IsAbs(name) {
		return name
	}
	local := filepath.Join(subdir, name)
	if exists(local) {
		return local
	}

	dir, err := GetConfigDir()
	if err != nil {
		return local
	}
	dir = filepath.Join(dir, subdir)
	if subdir != "" {
		os.MkdirAll(dir, 0755)
	}
	return filepath.Join(dir, name)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
