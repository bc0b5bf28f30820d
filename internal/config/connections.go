package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gluk-w/sshbroker/internal/crypto"
	"github.com/gluk-w/sshbroker/internal/sshlink"
)

// Defaults applied to a connection file that leaves the top-level options out.
const (
	DefaultCommandTimeoutSeconds = 30
	DefaultLogLevel              = "INFO"
	DefaultMaxConnections        = 10
)

// Connection is one named entry of the connection file.
type Connection struct {
	Name               string   `yaml:"name" json:"name"`
	Host               string   `yaml:"host" json:"host"`
	Username           string   `yaml:"username" json:"username"`
	Port               int      `yaml:"port" json:"port"`
	Password           string   `yaml:"password" json:"-"`
	PasswordEncrypted  string   `yaml:"password_encrypted" json:"-"`
	PrivateKey         string   `yaml:"private_key" json:"private_key,omitempty"`
	PrivateKeyPassword string   `yaml:"private_key_password" json:"-"`
	Description        string   `yaml:"description" json:"description,omitempty"`
	Tags               []string `yaml:"tags" json:"tags,omitempty"`
}

// File is the parsed connection file. YAML is a superset of JSON, so both
// ssh_config.json and a YAML rendition decode through the same path.
type File struct {
	Connections    []Connection `yaml:"connections"`
	DefaultTimeout int          `yaml:"default_timeout"`
	LogLevel       string       `yaml:"log_level"`
	AutoConnect    bool         `yaml:"auto_connect"`
	MaxConnections int          `yaml:"max_connections"`
}

// LoadFile reads and validates the connection file at path. A missing file
// yields an empty configuration with defaults. Fernet-encrypted passwords are
// decrypted with secretKey.
func LoadFile(path, secretKey string) (*File, error) {
	f := &File{}
	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.applyDefaults()
			return f, nil
		}
		return nil, fmt.Errorf("read connection file: %w", err)
	}

	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse connection file %s: %w", path, err)
	}
	f.applyDefaults()

	if err := f.Validate(); err != nil {
		return nil, err
	}

	for i := range f.Connections {
		c := &f.Connections[i]
		if c.PasswordEncrypted == "" {
			continue
		}
		plain, err := crypto.Decrypt(secretKey, c.PasswordEncrypted)
		if err != nil {
			return nil, fmt.Errorf("connection %q: decrypt password: %w", c.Name, err)
		}
		c.Password = plain
	}
	return f, nil
}

func (f *File) applyDefaults() {
	if f.DefaultTimeout <= 0 {
		f.DefaultTimeout = DefaultCommandTimeoutSeconds
	}
	if f.LogLevel == "" {
		f.LogLevel = DefaultLogLevel
	}
	if f.MaxConnections <= 0 {
		f.MaxConnections = DefaultMaxConnections
	}
	for i := range f.Connections {
		if f.Connections[i].Port == 0 {
			f.Connections[i].Port = 22
		}
	}
}

// Validate checks that every entry is addressable and names are unique.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Connections))
	for i, c := range f.Connections {
		if c.Name == "" {
			return fmt.Errorf("connection #%d: name is required", i+1)
		}
		if seen[c.Name] {
			return fmt.Errorf("connection %q: duplicate name", c.Name)
		}
		seen[c.Name] = true
		if c.Host == "" {
			return fmt.Errorf("connection %q: host is required", c.Name)
		}
		if c.Username == "" {
			return fmt.Errorf("connection %q: username is required", c.Name)
		}
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("connection %q: port %d out of range", c.Name, c.Port)
		}
	}
	return nil
}

// Get returns the named connection.
func (f *File) Get(name string) (Connection, bool) {
	for _, c := range f.Connections {
		if c.Name == name {
			return c, true
		}
	}
	return Connection{}, false
}

// FilterByTag returns connections carrying tag, or all of them when tag is empty.
func (f *File) FilterByTag(tag string) []Connection {
	if tag == "" {
		return append([]Connection(nil), f.Connections...)
	}
	var out []Connection
	for _, c := range f.Connections {
		for _, t := range c.Tags {
			if t == tag {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Credentials converts the entry's secrets into link credentials.
func (c Connection) Credentials() sshlink.Credentials {
	creds := sshlink.Credentials{
		Password:   c.Password,
		Passphrase: c.PrivateKeyPassword,
	}
	if c.PrivateKey != "" {
		creds.PrivateKeyPath = ExpandHome(c.PrivateKey)
	}
	return creds
}

// HasPassword reports whether the entry carries a password in any form.
func (c Connection) HasPassword() bool {
	return c.Password != "" || c.PasswordEncrypted != ""
}

// ExpandHome replaces a leading ~ with the current user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
