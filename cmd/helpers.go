package cmd

import (
	"fmt"

	"github.com/gluk-w/sshbroker/internal/config"
	"github.com/gluk-w/sshbroker/internal/crypto"
)

// secretKey returns the fernet key from the environment, or the one kept
// under DataPath, creating it on first use.
func secretKey() (string, error) {
	if config.Cfg.SecretKey != "" {
		return config.Cfg.SecretKey, nil
	}
	key, err := crypto.LoadOrCreateKey(config.Cfg.DataPath)
	if err != nil {
		return "", fmt.Errorf("secret key: %w", err)
	}
	return key, nil
}

// loadConnections reads the connection file named by the settings.
func loadConnections() (*config.File, error) {
	key, err := secretKey()
	if err != nil {
		return nil, err
	}
	return config.LoadFile(config.Cfg.ConnectionsFile, key)
}
