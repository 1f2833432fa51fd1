package auth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapResult contains info about a bootstrapped dev key.
type BootstrapResult struct {
	KeysFile string
	Tenant   string
	Key      string
	Created  bool
}

// BootstrapDevKey writes a keys file holding one fresh key for tenant unless
// keysPath already exists.
func BootstrapDevKey(keysPath, tenant string) (*BootstrapResult, error) {
	if keysPath == "" {
		keysPath = ResolveKeysPath()
	}
	if tenant == "" {
		tenant = DefaultTenant
	}

	if _, err := os.Stat(keysPath); err == nil {
		return &BootstrapResult{KeysFile: keysPath, Created: false}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("check keys file: %w", err)
	}

	key, err := NewAPIKey()
	if err != nil {
		return nil, err
	}

	cfg := keysFile{
		Tenants: map[string]tenantKeys{
			tenant: {Keys: []string{key}},
		},
	}
	allowLocalhost := true
	cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &allowLocalhost

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(keysPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write keys file: %w", err)
	}

	return &BootstrapResult{
		KeysFile: keysPath,
		Tenant:   tenant,
		Key:      key,
		Created:  true,
	}, nil
}
