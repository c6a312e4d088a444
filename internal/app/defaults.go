package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths. Each path is resolved from
// its own environment variable, then the XDG base directory, then the home
// directory:
//   - config_path: SYNDICATE_CONFIG_PATH, $XDG_CONFIG_HOME/syndicate.toml, ~/.config/syndicate.toml
//   - base_dir: SYNDICATE_HOME, $XDG_DATA_HOME/syndicate, ~/.local/share/syndicate
//
// log_dir always sits under base_dir.
func GetDefaults() (map[string]string, error) {
	configPath, err := resolvePath("SYNDICATE_CONFIG_PATH", "XDG_CONFIG_HOME", ".config", "syndicate.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := resolvePath("SYNDICATE_HOME", "XDG_DATA_HOME", filepath.Join(".local", "share"), "syndicate")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// resolvePath returns $override when set, otherwise name under $xdgEnv, or
// under homeRel in the home directory when the XDG variable is unset.
func resolvePath(override, xdgEnv, homeRel, name string) (string, error) {
	if path := os.Getenv(override); path != "" {
		return path, nil
	}
	if dir := os.Getenv(xdgEnv); filepath.IsAbs(dir) {
		return filepath.Join(dir, name), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, homeRel, name), nil
}
