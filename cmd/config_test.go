package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gluk-w/sshbroker/internal/config"
	"github.com/gluk-w/sshbroker/internal/crypto"
)

func TestReadSecret(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"hunter2\n", "hunter2", false},
		{"hunter2\r\nignored\n", "hunter2", false},
		{"no-newline", "no-newline", false},
		{"", "", true},
		{"\n", "", true},
	}
	for _, tt := range tests {
		got, err := readSecret(strings.NewReader(tt.in))
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("readSecret(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestSecretKeyPrefersEnvironment(t *testing.T) {
	prev := config.Cfg
	t.Cleanup(func() { config.Cfg = prev })

	config.Cfg.SecretKey = "from-env"
	if key, err := secretKey(); err != nil || key != "from-env" {
		t.Errorf("secretKey() = %q, %v", key, err)
	}

	config.Cfg.SecretKey = ""
	config.Cfg.DataPath = t.TempDir()
	first, err := secretKey()
	if err != nil {
		t.Fatal(err)
	}
	second, _ := secretKey()
	if first == "" || first != second {
		t.Errorf("key not persisted: %q vs %q", first, second)
	}
}

func TestConfigEncryptAndList(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SSHBROKER_DATA_PATH", dir)
	t.Setenv("SSHBROKER_SECRET_KEY", "")
	prev := config.Cfg
	t.Cleanup(func() { config.Cfg = prev })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader("s3cret\n"))
	rootCmd.SetArgs([]string{"config", "encrypt"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	token := strings.TrimSpace(out.String())

	key, err := crypto.LoadOrCreateKey(dir)
	if err != nil {
		t.Fatal(err)
	}
	if plain, err := crypto.Decrypt(key, token); err != nil || plain != "s3cret" {
		t.Fatalf("token does not decrypt: %q, %v", plain, err)
	}

	file := filepath.Join(dir, "connections.yaml")
	content := "connections:\n" +
		"  - name: web1\n    host: 10.0.0.5\n    username: deploy\n    password_encrypted: " + token + "\n    tags: [web, prod]\n" +
		"  - name: db1\n    host: 10.0.0.9\n    username: postgres\n    private_key: ~/.ssh/id_ed25519\n    tags: [db]\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	rootCmd.SetArgs([]string{"config", "list", "--config", file, "--tag", "web"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("list: %v", err)
	}
	listing := out.String()
	if !strings.Contains(listing, "deploy@10.0.0.5:22") || !strings.Contains(listing, "password") {
		t.Errorf("unexpected listing:\n%s", listing)
	}
	if strings.Contains(listing, "db1") {
		t.Errorf("tag filter ignored:\n%s", listing)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "sshbroker 1.2.3 (abc123)\n" {
		t.Errorf("version output %q", got)
	}
}
