package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("XINVOICE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".xinvoice")
}

func DefaultConfigPath() string {
	if v := os.Getenv("XINVOICE_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func DefaultLogDir() string {
	return filepath.Join(DefaultConfigDir(), "logs")
}

func DefaultDownloadDir() string {
	return filepath.Join(DefaultConfigDir(), "downloads")
}
