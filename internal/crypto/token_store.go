package crypto

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// TokenStore keeps the server auth token encrypted on disk, keyed off a
// machine identifier so a copied data directory does not leak the token.
type TokenStore struct {
	dir string
}

// NewTokenStore creates a token store rooted in the given config directory.
func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{dir: dir}
}

func (s *TokenStore) path(name string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	return filepath.Join(s.dir, "secure", safe+".cred")
}

// Store encrypts and persists a credential under the given name.
func (s *TokenStore) Store(name, value string) error {
	if s.dir == "" {
		return fmt.Errorf("token store directory not set")
	}
	if err := os.MkdirAll(filepath.Join(s.dir, "secure"), 0700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	encrypted, err := EncryptString(value, string(MachineKey(machineIdentifier())))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	if err := os.WriteFile(s.path(name), []byte(encrypted), 0600); err != nil {
		return fmt.Errorf("failed to write credential: %w", err)
	}
	return nil
}

// Load decrypts a persisted credential. Returns an empty string without error
// when the credential was never stored.
func (s *TokenStore) Load(name string) (string, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	value, err := DecryptString(string(data), string(MachineKey(machineIdentifier())))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return value, nil
}

// Delete removes a persisted credential. Deleting a missing credential is
// not an error.
func (s *TokenStore) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// machineIdentifier returns a stable per-machine string for key derivation.
func machineIdentifier() string {
	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/etc/machine-id"); err == nil {
			return "linux:" + strings.TrimSpace(string(data))
		}
		if data, err := os.ReadFile("/var/lib/dbus/machine-id"); err == nil {
			return "linux:" + strings.TrimSpace(string(data))
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}
