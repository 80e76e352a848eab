// Package provider defines the EIP-1193 wallet provider capability and a
// websocket client for wallet bridges that expose it.
package provider

import (
	"context"
	"encoding/json"
)

// JSON-RPC methods used by the session manager and contract invoker
const (
	MethodAccounts           = "eth_accounts"
	MethodRequestAccounts    = "eth_requestAccounts"
	MethodChainID            = "eth_chainId"
	MethodBlockNumber        = "eth_blockNumber"
	MethodCall               = "eth_call"
	MethodSendTransaction    = "eth_sendTransaction"
	MethodTransactionReceipt = "eth_getTransactionReceipt"
	MethodSubscribe          = "eth_subscribe"
	MethodUnsubscribe        = "eth_unsubscribe"
	MethodSwitchChain        = "wallet_switchEthereumChain"
	MethodAddChain           = "wallet_addEthereumChain"
)

// Provider events
const (
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
)

// EventHandler receives the raw payload of a provider event:
// an array of addresses for accountsChanged, a hex chain id for chainChanged.
type EventHandler func(payload json.RawMessage)

// Subscription is a registered event listener
type Subscription interface {
	Unsubscribe()
}

// Provider is the capability set of an injected wallet.
type Provider interface {
	// Request sends a JSON-RPC request and returns the raw result.
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	// Subscribe registers fn for accountsChanged or chainChanged.
	Subscribe(ctx context.Context, event string, fn EventHandler) (Subscription, error)
}

// SubscriptionFunc adapts a plain function to the Subscription interface.
type SubscriptionFunc func()

// Unsubscribe calls f.
func (f SubscriptionFunc) Unsubscribe() { f() }

// RequestInto sends a request and decodes its result into out.
func RequestInto(ctx context.Context, p Provider, out any, method string, params ...any) error {
	raw, err := p.Request(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RPCError{Code: CodeInternal, Message: method + ": malformed result: " + err.Error()}
	}
	return nil
}
