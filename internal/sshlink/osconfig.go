package sshlink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/gluk-w/sshbroker/internal/logutil"
)

// Resolved is the endpoint an ssh_config alias expands to.
type Resolved struct {
	Alias         string
	Host          string
	Port          int
	User          string
	IdentityFiles []string
	// FromConfig is false when the config file is missing or has no entry
	// for the alias; Host is then the alias itself.
	FromConfig bool
}

// ResolveOSConfig looks alias up in the OpenSSH client config at path. A
// missing file or an alias without any settings falls back to treating the
// alias as a host name on port 22.
func ResolveOSConfig(path, alias string) (Resolved, error) {
	r := Resolved{Alias: alias, Host: alias, Port: 22}

	f, err := os.Open(expandHome(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debugf("ssh config %s not found, connecting to %s directly", path, logutil.SanitizeForLog(alias))
			return r, nil
		}
		return r, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		logger.Warnf("ssh config %s could not be parsed, connecting to %s directly: %v", path, logutil.SanitizeForLog(alias), err)
		return r, nil
	}

	hostname, _ := cfg.Get(alias, "HostName")
	port, err := cfg.Get(alias, "Port")
	if err != nil {
		return r, fmt.Errorf("ssh config: port for %s: %w", alias, err)
	}
	user, _ := cfg.Get(alias, "User")
	identities, _ := cfg.GetAll(alias, "IdentityFile")

	if hostname != "" {
		r.Host = hostname
	}
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return r, fmt.Errorf("ssh config: invalid port %q for %s", port, alias)
		}
		r.Port = p
	}
	r.User = user
	for _, id := range identities {
		r.IdentityFiles = append(r.IdentityFiles, expandTokens(id, r))
	}
	r.FromConfig = hostname != "" || port != "" || user != "" || len(identities) > 0
	return r, nil
}

// ConnectFromOSConfig connects using a resolved ssh_config entry. Explicit
// keys in overrides replace the configured identity files; identity files
// that do not exist are logged and skipped so password or agent auth can
// still be attempted.
func (l *Link) ConnectFromOSConfig(ctx context.Context, r Resolved, overrides Credentials) error {
	creds := overrides
	if creds.PrivateKeyPath == "" && len(creds.PrivateKey) == 0 {
		creds.IdentityFiles = nil
		for _, path := range r.IdentityFiles {
			if _, err := os.Stat(path); err != nil {
				logger.Warnf("identity file %s for %s does not exist, trying other auth methods",
					logutil.SanitizeForLog(path), logutil.SanitizeForLog(r.Alias))
				continue
			}
			creds.IdentityFiles = append(creds.IdentityFiles, path)
		}
	}
	return l.Connect(ctx, creds)
}

// expandTokens handles the IdentityFile tokens that matter in practice.
func expandTokens(path string, r Resolved) string {
	home, _ := os.UserHomeDir()
	path = strings.NewReplacer(
		"%d", home,
		"%h", r.Host,
		"%r", r.User,
		"%%", "%",
	).Replace(path)
	return expandHome(path)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
