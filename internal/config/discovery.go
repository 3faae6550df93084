package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath overrides config discovery when set.
const EnvConfigPath = "DEPLOYD_CONFIG"

// DiscoverConfig returns the first config location that exists, checking
// $DEPLOYD_CONFIG, ~/.config/deployd, /etc/deployd and ./config.yaml in order.
func DiscoverConfig() (string, error) {
	home, _ := os.UserHomeDir()
	return discoverConfig(os.Getenv(EnvConfigPath), home, "/etc/deployd")
}

func discoverConfig(envPath, home, systemDir string) (string, error) {
	candidates := make([]string, 0, 4)
	if envPath != "" {
		candidates = append(candidates, envPath)
	}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, ".config", "deployd"))
	}
	candidates = append(candidates, systemDir, "config.yaml")

	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil {
			continue
		}
		if info.IsDir() && !fileExists(filepath.Join(c, "config.yaml")) {
			continue
		}
		return c, nil
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/deployd, %s, ./config.yaml)", EnvConfigPath, systemDir)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
