package commands

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/walletlink/internal/session"
	"github.com/moltbunker/walletlink/internal/status"
	"github.com/moltbunker/walletlink/pkg/types"
)

type boardOutput struct {
	status.Snapshot
	Error string `json:"error,omitempty"`
}

// printBoard shows the status text of the last operation and passes err
// through so the command exits non-zero on failure.
func printBoard(board *status.Board, err error) error {
	snap := board.Snapshot()

	if jsonOutput() {
		out := boardOutput{Snapshot: snap}
		if err != nil {
			out.Error = err.Error()
		}
		if jerr := printJSON(out); jerr != nil {
			return jerr
		}
		return err
	}

	switch {
	case snap.Text == "":
	case err != nil:
		Error(snap.Text)
	default:
		Success(snap.Text)
	}
	return err
}

type sessionOutput struct {
	session.Snapshot
	Status  string `json:"status"`
	Network string `json:"network"`
}

// sessionFields renders a session snapshot for StatusBox
func sessionFields(snap session.Snapshot, network types.NetworkDescriptor) [][2]string {
	account := "not connected"
	if snap.HasAccount {
		account = snap.Account.Hex()
	}
	chain := "unknown"
	if snap.ChainID != 0 {
		chain = fmt.Sprintf("%d", snap.ChainID)
	}
	state := snap.Status.String()
	if snap.HasAccount && snap.ChainID != 0 && !snap.OnExpectedChain() {
		state = "wrong_chain"
	}

	return [][2]string{
		{"Account", account},
		{"Chain", chain},
		{"Expected", fmt.Sprintf("%d (%s)", network.ChainID, network.ChainName)},
		{"Status", StatusBadge(state)},
	}
}

// printSession shows the session state
func printSession(title string, snap session.Snapshot, network types.NetworkDescriptor) error {
	if jsonOutput() {
		return printJSON(sessionOutput{
			Snapshot: snap,
			Status:   snap.Status.String(),
			Network:  network.ChainName,
		})
	}
	fmt.Println(StatusBox(title, sessionFields(snap, network)))
	return nil
}

// printFields shows the display fields of a board
// txLink returns the explorer page for hash, or "" when there is nothing to link
func txLink(network types.NetworkDescriptor, hash common.Hash) string {
	if hash == (common.Hash{}) {
		return ""
	}
	return network.ExplorerTxURL(hash.Hex())
}

func printTxLink(network types.NetworkDescriptor, hash common.Hash) {
	if link := txLink(network, hash); link != "" && !jsonOutput() {
		fmt.Println(Hint("View on explorer: " + link))
	}
}

func printFields(title string, board *status.Board) {
	snap := board.Snapshot()
	if len(snap.Fields) == 0 || jsonOutput() {
		return
	}
	keys := make([]string, 0, len(snap.Fields))
	for k := range snap.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([][2]string, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, [2]string{fieldLabel(k), snap.Fields[k]})
	}
	fmt.Println(StatusBox(title, fields))
}

func fieldLabel(key string) string {
	switch key {
	case status.FieldStakedBalance:
		return "Staked (ETH)"
	case status.FieldTotalStaked:
		return "Total (ETH)"
	case status.FieldPoolAddress:
		return "Pool"
	case status.FieldTickSpacing:
		return "Tick spacing"
	case status.FieldOwner:
		return "Owner"
	default:
		return key
	}
}
