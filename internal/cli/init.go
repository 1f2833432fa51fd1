// Package cli holds operator commands that edit local files rather than
// talk to a running server.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/interdesk/internal/auth"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Tenants map[string]tenantKeys `yaml:"tenants"`
}

type tenantKeys struct {
	Keys []string `yaml:"keys"`
}

// InitKeysFile appends a new API key for tenant to the keys file at path,
// creating the file if needed, and returns the key.
func InitKeysFile(path, tenant string) (string, error) {
	path = strings.TrimSpace(path)
	tenant = strings.TrimSpace(tenant)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if tenant == "" {
		return "", fmt.Errorf("tenant required")
	}

	cfg, err := loadKeysFile(path)
	if err != nil {
		return "", err
	}
	if cfg.Tenants == nil {
		cfg.Tenants = make(map[string]tenantKeys)
	}
	key, err := auth.NewAPIKey()
	if err != nil {
		return "", err
	}
	tk := cfg.Tenants[tenant]
	tk.Keys = append(tk.Keys, key)
	cfg.Tenants[tenant] = tk
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}

func loadKeysFile(path string) (keysFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keysFile{}, nil
		}
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	return cfg, nil
}
