package wallet

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strings"

	"github.com/99designs/keyring"
	"github.com/ethereum/go-ethereum/common"
)

const keyringServiceName = "walletlink"

// ErrNoPassword is returned when no password source yields a password
var ErrNoPassword = errors.New("no wallet password available")

// KeyringConfig selects the keyring backend. A zero value uses the
// platform-native backend.
type KeyringConfig struct {
	Backends []keyring.BackendType
	// FileDir and FilePassword configure the encrypted file backend
	FileDir      string
	FilePassword string
}

// PasswordStore keeps keystore passwords in a keyring, one item per account
type PasswordStore struct {
	ring    keyring.Keyring
	backend string
}

// OpenPasswordStore opens the keyring described by cfg
func OpenPasswordStore(cfg *KeyringConfig) (*PasswordStore, error) {
	if cfg == nil {
		cfg = &KeyringConfig{}
	}
	backends := cfg.Backends
	if len(backends) == 0 {
		backends = platformKeyringBackends()
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no keyring backend available on %s", runtime.GOOS)
	}

	kc := keyring.Config{
		ServiceName:                    keyringServiceName,
		AllowedBackends:                backends,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
		KeychainSynchronizable:         false,
		FileDir:                        cfg.FileDir,
	}
	if cfg.FilePassword != "" {
		kc.FilePasswordFunc = keyring.FixedStringPrompt(cfg.FilePassword)
	}

	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &PasswordStore{ring: ring, backend: keyringBackendName(backends[0])}, nil
}

// Backend returns a human-readable name of the keyring backend
func (s *PasswordStore) Backend() string { return s.backend }

func passwordKey(account common.Address) string {
	return "wallet-password-" + strings.ToLower(account.Hex())
}

// Store saves the password for account
func (s *PasswordStore) Store(account common.Address, password string) error {
	err := s.ring.Set(keyring.Item{
		Key:         passwordKey(account),
		Data:        []byte(password),
		Label:       "walletlink wallet password",
		Description: "Password for the walletlink keystore account " + account.Hex(),
	})
	if err != nil {
		return fmt.Errorf("failed to store in %s: %w", s.backend, err)
	}
	return nil
}

// Retrieve returns the password for account, or "" if none is stored
func (s *PasswordStore) Retrieve(account common.Address) (string, error) {
	item, err := s.ring.Get(passwordKey(account))
	if notFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read from %s: %w", s.backend, err)
	}
	return string(item.Data), nil
}

// Delete removes the password for account
func (s *PasswordStore) Delete(account common.Address) error {
	err := s.ring.Remove(passwordKey(account))
	if err == nil || notFound(err) {
		return nil
	}
	return err
}

// notFound covers backends that surface a missing item as a missing file
func notFound(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist)
}

// PasswordFromFile reads a password file, dropping the trailing newline
func PasswordFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read password file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// ResolvePassword returns the first password found: the password file, then
// the keyring when store is non-nil.
func ResolvePassword(account common.Address, passwordFile string, store *PasswordStore) (string, error) {
	if passwordFile != "" {
		return PasswordFromFile(passwordFile)
	}
	if store != nil {
		pw, err := store.Retrieve(account)
		if err != nil {
			return "", err
		}
		if pw != "" {
			return pw, nil
		}
	}
	return "", ErrNoPassword
}

func platformKeyringBackends() []keyring.BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []keyring.BackendType{keyring.KeychainBackend}
	case "linux":
		return []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
		}
	case "windows":
		return []keyring.BackendType{keyring.WinCredBackend}
	default:
		return nil
	}
}

func keyringBackendName(b keyring.BackendType) string {
	switch b {
	case keyring.KeychainBackend:
		return "macOS Keychain"
	case keyring.SecretServiceBackend, keyring.KWalletBackend:
		return "Secret Service (GNOME Keyring / KDE Wallet)"
	case keyring.WinCredBackend:
		return "Windows Credential Manager"
	case keyring.FileBackend:
		return "encrypted file"
	default:
		return "system keyring"
	}
}
