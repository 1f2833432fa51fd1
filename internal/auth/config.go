package auth

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "interdesk.keys.yaml"

// DefaultTenant is used when a localhost request names no tenant.
const DefaultTenant = "default"

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Tenants map[string]tenantKeys `yaml:"tenants"`
}

type tenantKeys struct {
	Keys []string `yaml:"keys"`
}

// Keyring maps API keys to the tenant they authenticate.
type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keyToTenant               map[string]string
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("INTERDESK_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

func LoadKeyringFromEnv() (*Keyring, error) {
	return LoadKeyring(ResolveKeysPath())
}

// LoadKeyring reads path, bootstrapping a dev key for DefaultTenant when the
// file does not exist yet.
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if _, err := BootstrapDevKey(path, DefaultTenant); err != nil {
			return nil, fmt.Errorf("bootstrap dev key: %w", err)
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	return parseKeyring(data)
}

func parseKeyring(data []byte) (*Keyring, error) {
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := defaultKeyring()
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	for tenant, keys := range cfg.Tenants {
		for _, key := range keys.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToTenant[key]; ok && existing != tenant {
				return nil, fmt.Errorf("key reused across tenants: %q", key)
			}
			ring.keyToTenant[key] = tenant
		}
	}
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true, keyToTenant: make(map[string]string)}
}

func NewKeyring(allowLocalhost bool, keyToTenant map[string]string) *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: allowLocalhost, keyToTenant: maps.Clone(keyToTenant)}
}

func (k *Keyring) TenantForKey(key string) (string, bool) {
	if k == nil || k.keyToTenant == nil {
		return "", false
	}
	tenant, ok := k.keyToTenant[key]
	return tenant, ok
}
