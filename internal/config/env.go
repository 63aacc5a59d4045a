package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// parseEnv returns key parsed by parse. Unset or unparsable values yield def.
func parseEnv[T any](key string, def T, parse func(string) (T, error)) T {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	parsed, err := parse(value)
	if err != nil {
		return def
	}
	return parsed
}

// GetEnv returns the environment variable value or a default.
func GetEnv(key, defaultValue string) string {
	return parseEnv(key, defaultValue, func(s string) (string, error) { return s, nil })
}

// GetBoolEnv accepts the forms understood by strconv.ParseBool.
func GetBoolEnv(key string, defaultValue bool) bool {
	return parseEnv(key, defaultValue, strconv.ParseBool)
}

func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(key, defaultValue, time.ParseDuration)
}

// GetSecretEnv returns the value of key, or else the trimmed contents of
// the file named by key_FILE (a mounted Kubernetes or Docker secret).
// An unreadable file yields "".
func GetSecretEnv(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	path := os.Getenv(key + "_FILE")
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
