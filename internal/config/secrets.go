package config

import (
	"fmt"
	"os"
	"strings"
)

// Secrets points at a dotenv-style file holding backend API keys.
type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

// LoadEnvFile exports the KEY=value pairs of path into the process
// environment. Variables that are already set win over the file. It returns
// the names it set.
func LoadEnvFile(path string) ([]string, error) {
	vars, err := parseEnvFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}
	var set []string
	for _, kv := range vars {
		key, val, _ := strings.Cut(kv, "=")
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, fmt.Errorf("setting %s: %w", key, err)
		}
		set = append(set, key)
	}
	return set, nil
}

func parseEnvFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var envVars []string
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		key, val, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		envVars = append(envVars, strings.TrimSpace(key)+"="+stripQuotes(strings.TrimSpace(val)))
	}
	return envVars, nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
