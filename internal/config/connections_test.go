package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/sshbroker/internal/crypto"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFile_Missing(t *testing.T) {
	f, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"), "")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(f.Connections) != 0 {
		t.Errorf("expected no connections, got %d", len(f.Connections))
	}
	if f.DefaultTimeout != DefaultCommandTimeoutSeconds || f.LogLevel != DefaultLogLevel || f.MaxConnections != DefaultMaxConnections {
		t.Errorf("defaults not applied: %+v", f)
	}
}

func TestLoadFile_JSON(t *testing.T) {
	path := writeFile(t, "ssh_config.json", `{
  "connections": [
    {"name": "web1", "host": "10.0.0.5", "username": "deploy", "tags": ["prod", "web"]},
    {"name": "db1", "host": "10.0.0.6", "username": "postgres", "port": 2222, "tags": ["prod"]}
  ],
  "default_timeout": 45,
  "auto_connect": true
}`)

	f, err := LoadFile(path, "")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(f.Connections) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(f.Connections))
	}
	web, ok := f.Get("web1")
	if !ok {
		t.Fatal("web1 not found")
	}
	if web.Port != 22 {
		t.Errorf("expected default port 22, got %d", web.Port)
	}
	if f.DefaultTimeout != 45 || !f.AutoConnect {
		t.Errorf("unexpected top-level options: %+v", f)
	}
	if got := len(f.FilterByTag("web")); got != 1 {
		t.Errorf("FilterByTag(web) = %d, want 1", got)
	}
	if got := len(f.FilterByTag("prod")); got != 2 {
		t.Errorf("FilterByTag(prod) = %d, want 2", got)
	}
	if got := len(f.FilterByTag("")); got != 2 {
		t.Errorf("FilterByTag(\"\") = %d, want 2", got)
	}
	if _, ok := f.Get("missing"); ok {
		t.Error("expected missing entry")
	}
}

func TestLoadFile_YAML(t *testing.T) {
	path := writeFile(t, "connections.yaml", `
connections:
  - name: bastion
    host: bastion.example.com
    username: ops
    private_key: /tmp/id_test
log_level: DEBUG
`)
	f, err := LoadFile(path, "")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	c, _ := f.Get("bastion")
	creds := c.Credentials()
	if creds.PrivateKeyPath != "/tmp/id_test" {
		t.Errorf("unexpected key path %q", creds.PrivateKeyPath)
	}
	if f.LogLevel != "DEBUG" {
		t.Errorf("expected DEBUG, got %s", f.LogLevel)
	}
}

func TestLoadFile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing name", `{"connections":[{"host":"h","username":"u"}]}`, "name is required"},
		{"duplicate", `{"connections":[{"name":"a","host":"h","username":"u"},{"name":"a","host":"h2","username":"u"}]}`, "duplicate"},
		{"missing host", `{"connections":[{"name":"a","username":"u"}]}`, "host is required"},
		{"missing user", `{"connections":[{"name":"a","host":"h"}]}`, "username is required"},
		{"bad port", `{"connections":[{"name":"a","host":"h","username":"u","port":70000}]}`, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, "c.json", tt.content), "")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFile_EncryptedPassword(t *testing.T) {
	key := crypto.GenerateKey()
	token, err := crypto.Encrypt(key, "s3cret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	path := writeFile(t, "c.json", `{"connections":[{"name":"a","host":"h","username":"u","password_encrypted":"`+token+`"}]}`)

	f, err := LoadFile(path, key)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	c, _ := f.Get("a")
	if c.Password != "s3cret" || !c.HasPassword() {
		t.Errorf("password not decrypted: %+v", c)
	}

	other := crypto.GenerateKey()
	if _, err := LoadFile(path, other); err == nil {
		t.Error("expected decrypt failure with wrong key")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/.ssh/id_rsa"); got != filepath.Join(home, ".ssh/id_rsa") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/etc/hosts"); got != "/etc/hosts" {
		t.Errorf("ExpandHome changed absolute path: %q", got)
	}
}

func TestApplyFile(t *testing.T) {
	s := Settings{MaxConnections: -1}
	s.ApplyFile(&File{LogLevel: "DEBUG", DefaultTimeout: 12, MaxConnections: 4})
	if s.LogLevel != "DEBUG" || s.CommandTimeout != 12*time.Second || s.MaxConnections != 4 {
		t.Errorf("file options not applied: %+v", s)
	}

	s = Settings{LogLevel: "error", CommandTimeout: time.Second, MaxConnections: 0}
	s.ApplyFile(&File{LogLevel: "DEBUG", DefaultTimeout: 12, MaxConnections: 4})
	if s.LogLevel != "error" || s.CommandTimeout != time.Second || s.MaxConnections != 0 {
		t.Errorf("environment values overridden: %+v", s)
	}

	if got := (Settings{}).EffectiveCommandTimeout(); got != 30*time.Second {
		t.Errorf("EffectiveCommandTimeout = %v", got)
	}
	if got := (Settings{}).AuditDB(); got != "audit.db" {
		t.Errorf("AuditDB = %q", got)
	}
}
