package config

import (
	"os"
	"path/filepath"
)

// OmpPath returns the root directory for omp data.
// It uses $OMP_PATH if set, otherwise defaults to ~/.omp.
func OmpPath() string {
	if v := os.Getenv("OMP_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".omp")
	}
	return filepath.Join(home, ".omp")
}

// ConfigPath returns the path to the omp config file.
func ConfigPath() string {
	return filepath.Join(OmpPath(), "config.jsonc")
}

// CredentialsPath returns the path to the encrypted credentials file.
func CredentialsPath() string {
	return filepath.Join(OmpPath(), "credentials.json")
}

// AgeKeyPath returns the path to the age identity used for credentials.
func AgeKeyPath() string {
	return filepath.Join(OmpPath(), ".age-key")
}
