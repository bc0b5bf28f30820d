package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

const keyFile = "secret.key"

// ErrNoKey is returned when an encrypted value is found but no key is configured.
var ErrNoKey = errors.New("no secret key configured")

// GenerateKey returns a new base64-encoded fernet key.
func GenerateKey() string {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		panic(fmt.Sprintf("generate fernet key: %v", err))
	}
	return k.Encode()
}

// LoadOrCreateKey returns the key stored in dir, generating and persisting
// one with mode 0600 when none exists.
func LoadOrCreateKey(dir string) (string, error) {
	path := filepath.Join(dir, keyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read secret key: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	key := GenerateKey()
	if err := os.WriteFile(path, []byte(key+"\n"), 0600); err != nil {
		return "", fmt.Errorf("save secret key: %w", err)
	}
	return key, nil
}

func decodeKey(keyStr string) (*fernet.Key, error) {
	if keyStr == "" {
		return nil, ErrNoKey
	}
	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

func Encrypt(keyStr, plaintext string) (string, error) {
	key, err := decodeKey(keyStr)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(keyStr, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := decodeKey(keyStr)
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
