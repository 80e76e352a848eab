package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/walletlink/internal/wallet"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const minPasswordLength = 8

// NewWalletCmd creates the wallet command group
func NewWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the local keystore wallet",
		Long: `Manage the Ethereum account used by the keystore provider
(provider.kind: keystore).

The wallet is stored as an encrypted keystore file (geth V3 format).
The wallet password can be saved in your platform keyring:
  macOS:   Keychain
  Linux:   Secret Service (GNOME Keyring / KWallet), pass
  Windows: Credential Manager

Examples:
  walletctl wallet create    # Generate a new account
  walletctl wallet import    # Import from a private key
  walletctl wallet address   # Show address and keystore path`,
	}

	cmd.AddCommand(newWalletCreateCmd())
	cmd.AddCommand(newWalletImportCmd())
	cmd.AddCommand(newWalletAddressCmd())
	cmd.AddCommand(newWalletForgetPasswordCmd())

	return cmd
}

// keystoreDir returns the keystore directory from flag or config
func keystoreDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Wallet.KeystoreDir, nil
}

// storePasswordInKeyring saves the password for account in the platform keyring
func storePasswordInKeyring(account common.Address, password string) {
	store, err := wallet.OpenPasswordStore(nil)
	if err == nil {
		err = store.Store(account, password)
	}
	if err != nil {
		fmt.Println("  Could not store password in system keyring.")
		fmt.Println("  For unattended unlock, set wallet.password_file in config.yaml")
		return
	}
	fmt.Printf("  Password saved to %s\n", store.Backend())
	fmt.Println("  The wallet will be unlocked automatically.")
}

// readNewPassword prompts for a password twice
func readNewPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Fprint(os.Stderr, "Enter wallet password: ")
		password, err := readPasswordNoEcho()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)

		if len(password) < minPasswordLength {
			Warning(fmt.Sprintf("Password must be at least %d characters. Try again.", minPasswordLength))
			continue
		}

		fmt.Fprint(os.Stderr, "Confirm wallet password: ")
		confirm, err := readPasswordNoEcho()
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Fprintln(os.Stderr)

		if password != confirm {
			Warning("Passwords do not match. Try again.")
			continue
		}
		return password, nil
	}
	return "", fmt.Errorf("too many failed attempts")
}

func newWalletCreateCmd() *cobra.Command {
	var (
		dir        string
		useKeyring bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new wallet",
		Long:  "Create a new Ethereum account in a password-encrypted keystore file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dir)
			if err != nil {
				return err
			}
			if existing, err := wallet.LoadWalletManager(dir); err != nil {
				return fmt.Errorf("failed to check keystore: %w", err)
			} else if existing != nil {
				return fmt.Errorf("wallet already exists at %s (address: %s)", dir, existing.Address().Hex())
			}

			password, err := readNewPassword()
			if err != nil {
				return err
			}
			wm, err := wallet.CreateWalletManager(dir, password)
			if err != nil {
				return fmt.Errorf("failed to create wallet: %w", err)
			}

			fmt.Println()
			Success("Wallet created!")
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", wm.Address().Hex()},
				{"Keystore", dir},
			}))
			if useKeyring {
				storePasswordInKeyring(wm.Address(), password)
			}
			fmt.Println()
			Warning("Back up your keystore directory and remember your password.")
			fmt.Println(Hint("If you lose either, your funds are unrecoverable."))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "keystore", "", "Path to keystore directory (default: wallet.keystore_dir)")
	cmd.Flags().BoolVar(&useKeyring, "keyring", true, "Save the password in the platform keyring")

	return cmd
}

func newWalletImportCmd() *cobra.Command {
	var (
		dir        string
		useKeyring bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a wallet from a private key",
		Long:  "Import an existing Ethereum private key into an encrypted keystore file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dir)
			if err != nil {
				return err
			}
			if existing, err := wallet.LoadWalletManager(dir); err != nil {
				return fmt.Errorf("failed to check keystore: %w", err)
			} else if existing != nil {
				return fmt.Errorf("wallet already exists at %s (address: %s)", dir, existing.Address().Hex())
			}

			const maxAttempts = 3
			var privKeyHex string
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				fmt.Fprint(os.Stderr, "Enter private key (hex, with or without 0x prefix): ")
				input, err := readPasswordNoEcho()
				if err != nil {
					return fmt.Errorf("failed to read private key: %w", err)
				}
				fmt.Fprintln(os.Stderr)

				input = strings.TrimPrefix(strings.TrimSpace(input), "0x")
				if len(input) != 64 {
					Warning(fmt.Sprintf("Private key must be 64 hex characters (32 bytes), got %d. Try again.", len(input)))
					continue
				}
				privKeyHex = input
				break
			}
			if privKeyHex == "" {
				return fmt.Errorf("too many failed attempts")
			}

			password, err := readNewPassword()
			if err != nil {
				return err
			}
			wm, err := wallet.ImportWalletManager(dir, privKeyHex, password)
			if err != nil {
				return fmt.Errorf("failed to import wallet: %w", err)
			}

			fmt.Println()
			Success("Wallet imported!")
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", wm.Address().Hex()},
				{"Keystore", dir},
			}))
			if useKeyring {
				storePasswordInKeyring(wm.Address(), password)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "keystore", "", "Path to keystore directory (default: wallet.keystore_dir)")
	cmd.Flags().BoolVar(&useKeyring, "keyring", true, "Save the password in the platform keyring")

	return cmd
}

func newWalletAddressCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "address",
		Short: "Show wallet address and keystore path",
		Long:  "Display the wallet address and keystore directory. No password needed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dir)
			if err != nil {
				return err
			}
			wm, err := wallet.LoadWalletManager(dir)
			if err != nil {
				return fmt.Errorf("failed to load wallet: %w", err)
			}
			if wm == nil {
				Info("No wallet found.")
				fmt.Println(Hint("Create one with: walletctl wallet create"))
				return nil
			}

			pwStatus := "not stored (manual unlock required)"
			if store, err := wallet.OpenPasswordStore(nil); err == nil {
				if pw, err := store.Retrieve(wm.Address()); err == nil && pw != "" {
					pwStatus = "stored in " + store.Backend()
				}
			}

			if jsonOutput() {
				return printJSON(map[string]string{
					"address":  wm.Address().Hex(),
					"keystore": dir,
					"password": pwStatus,
				})
			}
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", wm.Address().Hex()},
				{"Keystore", dir},
				{"Password", pwStatus},
			}))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "keystore", "", "Path to keystore directory (default: wallet.keystore_dir)")

	return cmd
}

func newWalletForgetPasswordCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "forget-password",
		Short: "Remove the wallet password from the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dir)
			if err != nil {
				return err
			}
			wm, err := wallet.LoadWalletManager(dir)
			if err != nil {
				return fmt.Errorf("failed to load wallet: %w", err)
			}
			if wm == nil {
				return fmt.Errorf("no wallet found at %s", dir)
			}

			store, err := wallet.OpenPasswordStore(nil)
			if err != nil {
				return err
			}
			pw, err := store.Retrieve(wm.Address())
			if err != nil {
				return err
			}
			if pw == "" {
				fmt.Println("No stored password found in the keyring.")
				return nil
			}
			if err := store.Delete(wm.Address()); err != nil {
				return err
			}
			fmt.Printf("Removed password from %s\n", store.Backend())
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "keystore", "", "Path to keystore directory (default: wallet.keystore_dir)")

	return cmd
}

// readPasswordNoEcho reads a line from stdin with echo disabled.
func readPasswordNoEcho() (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("stdin is not a terminal")
	}
	password, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	return string(password), nil
}
