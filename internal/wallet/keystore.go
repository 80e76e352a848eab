// Package wallet is a local, keystore-backed wallet that speaks the same
// provider protocol as a browser wallet, for headless use.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrWalletExists is returned when creating or importing into a keystore
// directory that already holds an account
var ErrWalletExists = errors.New("wallet already exists")

// Scrypt parameters for new keys. Tests lower them.
var (
	scryptN = keystore.StandardScryptN
	scryptP = keystore.StandardScryptP
)

func openKeystore(dir string) (*keystore.KeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return keystore.NewKeyStore(dir, scryptN, scryptP), nil
}

// WalletManager holds the single account of a keystore directory
type WalletManager struct {
	keystore *keystore.KeyStore
	keyPath  string
	address  common.Address

	mu         sync.Mutex
	privateKey *ecdsa.PrivateKey
}

// LoadWalletManager loads the wallet in keystoreDir.
// Returns (nil, nil) if the directory holds no key file.
func LoadWalletManager(keystoreDir string) (*WalletManager, error) {
	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	found := ks.Accounts()
	if len(found) == 0 {
		return nil, nil
	}
	return &WalletManager{keystore: ks, keyPath: keystoreDir, address: found[0].Address}, nil
}

// CreateWalletManager generates a new key encrypted with password
func CreateWalletManager(keystoreDir, password string) (*WalletManager, error) {
	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("%w in %s", ErrWalletExists, keystoreDir)
	}

	account, err := ks.NewAccount(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &WalletManager{keystore: ks, keyPath: keystoreDir, address: account.Address}, nil
}

// ImportWalletManager imports a hex private key encrypted with password
func ImportWalletManager(keystoreDir, privKeyHex, password string) (*WalletManager, error) {
	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("%w in %s", ErrWalletExists, keystoreDir)
	}

	privateKey, err := crypto.HexToECDSA(trimHexPrefix(privKeyHex))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	account, err := ks.ImportECDSA(privateKey, password)
	if err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}
	return &WalletManager{keystore: ks, keyPath: keystoreDir, address: account.Address}, nil
}

// IsLoaded reports whether wm holds an account
func (wm *WalletManager) IsLoaded() bool {
	return wm != nil && wm.address != (common.Address{})
}

// Address returns the account address
func (wm *WalletManager) Address() common.Address {
	return wm.address
}

// KeystoreDir returns the keystore directory
func (wm *WalletManager) KeystoreDir() string {
	return wm.keyPath
}

// Unlock decrypts the key with password and caches it until Lock
func (wm *WalletManager) Unlock(password string) error {
	_, err := wm.key(password)
	return err
}

// Unlocked reports whether a decrypted key is cached
func (wm *WalletManager) Unlocked() bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.privateKey != nil
}

// Lock zeros and drops the cached key
func (wm *WalletManager) Lock() {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.privateKey != nil {
		wm.privateKey.D.SetUint64(0)
		wm.privateKey = nil
	}
}

func (wm *WalletManager) key(password string) (*ecdsa.PrivateKey, error) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.privateKey != nil {
		return wm.privateKey, nil
	}

	account, err := wm.keystore.Find(accounts.Account{Address: wm.address})
	if err != nil {
		return nil, fmt.Errorf("failed to find key file: %w", err)
	}
	keyJSON, err := os.ReadFile(account.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}

	wm.privateKey = key.PrivateKey
	return key.PrivateKey, nil
}

// SignTx signs tx for chainID with the unlocked key
func (wm *WalletManager) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	wm.mu.Lock()
	key := wm.privateKey
	wm.mu.Unlock()
	if key == nil {
		return nil, fmt.Errorf("wallet %s is locked", wm.address.Hex())
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
