package utils

import (
	"os"
	"strconv"
	"strings"
)

// GetEnv returns the trimmed value of key, or fallback when unset or blank.
func GetEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// GetEnvInt parses key as an int, returning fallback on absence or parse failure.
func GetEnvInt(key string, fallback int) int {
	v := GetEnv(key, "")
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetEnvFloat parses key as a float64, returning fallback on absence or parse failure.
func GetEnvFloat(key string, fallback float64) float64 {
	v := GetEnv(key, "")
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// CreateFolder creates folderPath and any missing parents.
func CreateFolder(folderPath string) error {
	return os.MkdirAll(folderPath, 0o755)
}
