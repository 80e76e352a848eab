package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/walletlink/internal/units"
	"github.com/moltbunker/walletlink/internal/wallet"
	"github.com/moltbunker/walletlink/pkg/types"
)

var errNoTerminal = errors.New("confirmation requires a terminal (set wallet.auto_approve to skip prompts)")

// promptApprover asks on the terminal before the keystore wallet connects,
// switches chain or signs.
type promptApprover struct {
	// confirm is replaced in tests
	confirm func(title, description string) (bool, error)
}

var _ wallet.Approver = (*promptApprover)(nil)

func newPromptApprover() *promptApprover {
	return &promptApprover{confirm: huhConfirm}
}

func huhConfirm(title, description string) (bool, error) {
	if !isInteractive() {
		return false, errNoTerminal
	}

	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Approve").
				Negative("Reject").
				Value(&ok),
		),
	).WithTheme(huh.ThemeBase())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func (a *promptApprover) ApproveConnect(_ context.Context, account common.Address) (bool, error) {
	return a.confirm("Connect wallet?", "Share account "+account.Hex()+" with walletctl")
}

func (a *promptApprover) ApproveSwitch(_ context.Context, network types.NetworkDescriptor) (bool, error) {
	return a.confirm("Switch network?",
		fmt.Sprintf("%s (chain id %d)\nRPC: %s", network.ChainName, network.ChainID, network.RPCURL()))
}

func (a *promptApprover) ApproveTransaction(_ context.Context, tx wallet.TxApproval) (bool, error) {
	return a.confirm("Sign transaction?", describeTx(tx))
}

func describeTx(tx wallet.TxApproval) string {
	to := "contract creation"
	if tx.To != nil {
		to = tx.To.Hex()
	}
	value := units.FormatEther(tx.Value)
	symbol := tx.Network.NativeCurrency.Symbol
	if symbol == "" {
		symbol = "ETH"
	}

	lines := []string{
		fmt.Sprintf("Network: %s", tx.Network.ChainName),
		fmt.Sprintf("From:    %s", tx.From.Hex()),
		fmt.Sprintf("To:      %s", to),
		fmt.Sprintf("Value:   %s %s", value, symbol),
	}
	if len(tx.Data) > 0 {
		lines = append(lines, fmt.Sprintf("Data:    %d bytes", len(tx.Data)))
	}
	return strings.Join(lines, "\n")
}
