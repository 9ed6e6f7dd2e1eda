package util

import (
	"os"
	"path/filepath"
	"strings"
)

// HomeDir returns the user's home directory
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return home
}

// CrosssyncHome returns the crosssync state directory (~/.crosssync).
// CROSSSYNC_HOME overrides it.
func CrosssyncHome() string {
	if dir := os.Getenv("CROSSSYNC_HOME"); dir != "" {
		return ExpandPath(dir)
	}
	return filepath.Join(HomeDir(), ".crosssync")
}

// CrosssyncConfigPath returns the default config file path.
func CrosssyncConfigPath() string {
	return filepath.Join(CrosssyncHome(), "config.yaml")
}

// CrosssyncDataPath returns the default data directory (registry, records, fallback store).
func CrosssyncDataPath() string {
	return filepath.Join(CrosssyncHome(), "data")
}

// CrosssyncKeyPath returns the default encryption key file.
func CrosssyncKeyPath() string {
	return filepath.Join(CrosssyncHome(), "sync.key")
}

// CrosssyncRulesPath returns the default sync rule document.
func CrosssyncRulesPath() string {
	return filepath.Join(CrosssyncHome(), "rules.yaml")
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if path == "~" {
		return HomeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(HomeDir(), path[2:])
	}
	return path
}
