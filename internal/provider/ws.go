package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/moltbunker/walletlink/internal/logging"
	"github.com/moltbunker/walletlink/internal/util"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
)

const (
	// DefaultBridgeEndpoint is where a web3pro-style wallet bridge listens
	DefaultBridgeEndpoint = "ws://localhost:9323/ws"
	// DefaultBridgeIdentity is the identity the bridge accepts connections from
	DefaultBridgeIdentity = "web3pro-extension"

	wsWriteTimeout   = 10 * time.Second
	wsReadLimit      = 4 * 1024 * 1024
	wsUnsubscribeTTL = 5 * time.Second
)

// WSConfig configures a websocket wallet bridge connection
type WSConfig struct {
	Endpoint string
	Identity string
	// Origin is the dapp origin attached to every request
	Origin string
	// RequestsPerSecond throttles outbound requests (0 = unlimited)
	RequestsPerSecond float64
	Burst             int
	HandshakeTimeout  time.Duration
	Retry             *util.RetryConfig
	// SOCKSProxy routes the connection through a SOCKS5 proxy (host:port)
	SOCKSProxy string
}

// DefaultWSConfig returns a config for a bridge on localhost
func DefaultWSConfig() *WSConfig {
	return &WSConfig{
		Endpoint:          DefaultBridgeEndpoint,
		Identity:          DefaultBridgeIdentity,
		Origin:            "http://localhost",
		RequestsPerSecond: 20,
		Burst:             10,
		HandshakeTimeout:  10 * time.Second,
		Retry:             util.DefaultRetryConfig(),
	}
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	Origin  string `json:"__web3proOrigin,omitempty"`
}

// wsMessage is either a response (ID set) or a subscription notification (Method set)
type wsMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

type wsResponse struct {
	result json.RawMessage
	err    error
}

type wsEvent struct {
	fn      EventHandler
	payload json.RawMessage
}

// WSProvider speaks EIP-1193 JSON-RPC to a wallet bridge over a websocket.
// Event handlers run on a dedicated dispatch goroutine, so a handler may
// issue further requests.
type WSProvider struct {
	config  *WSConfig
	conn    *websocket.Conn
	limiter *rate.Limiter

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan wsResponse
	subs    map[string]EventHandler // subscription id -> handler
	closed  bool

	// events is unbounded so the read loop never waits on a handler
	eventsMu  sync.Mutex
	events    []wsEvent
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialWS connects to a wallet bridge, retrying transient dial failures.
func DialWS(ctx context.Context, config *WSConfig) (*WSProvider, error) {
	if config == nil {
		config = DefaultWSConfig()
	}

	target, err := bridgeURL(config)
	if err != nil {
		return nil, err
	}

	dialer := *websocket.DefaultDialer
	if config.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = config.HandshakeTimeout
	}
	if config.SOCKSProxy != "" {
		socks, err := proxy.SOCKS5("tcp", config.SOCKSProxy, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("SOCKS5 dialer does not support contexts")
		}
		dialer.Proxy = nil
		dialer.NetDialContext = cd.DialContext
	}

	conn, result := util.RetryWithValue(ctx, config.Retry, func() (*websocket.Conn, error) {
		c, resp, err := dialer.DialContext(ctx, target, nil)
		if err != nil && resp != nil && resp.StatusCode == 403 {
			// The bridge user declined the connection
			return nil, util.MarkNonRetryable(NewError(CodeUserRejected, "bridge refused connection"))
		}
		return c, err
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("failed to connect to wallet bridge %s: %w", config.Endpoint, result.LastError)
	}

	logging.Info("connected to wallet bridge",
		"endpoint", config.Endpoint,
		"attempts", result.Attempts,
		logging.Component("provider"))

	return NewWSProvider(conn, config), nil
}

// NewWSProvider wraps an established websocket connection.
func NewWSProvider(conn *websocket.Conn, config *WSConfig) *WSProvider {
	if config == nil {
		config = DefaultWSConfig()
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	p := &WSProvider{
		config:  config,
		conn:    conn,
		limiter: rate.NewLimiter(limit, burst),
		pending: make(map[int64]chan wsResponse),
		subs:    make(map[string]EventHandler),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	conn.SetReadLimit(wsReadLimit)

	p.wg.Add(2)
	util.SafeGoWithName("ws-provider-read", func() {
		defer p.wg.Done()
		p.readLoop()
	})
	util.SafeGoWithName("ws-provider-dispatch", func() {
		defer p.wg.Done()
		p.dispatchLoop()
	})

	return p
}

// Request sends a JSON-RPC request and waits for its response.
func (p *WSProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = []any{}
	}

	id := p.nextID.Add(1)
	ch := make(chan wsResponse, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.pending[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
		Origin:  p.config.Origin,
	}
	if err := p.write(req); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	logging.Debug("ws request sent", logging.Method(method), "id", id)

	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrClosed
	}
}

// Subscribe registers fn for a provider event via eth_subscribe.
func (p *WSProvider) Subscribe(ctx context.Context, event string, fn EventHandler) (Subscription, error) {
	var id string
	if err := RequestInto(ctx, p, &id, MethodSubscribe, event); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", event, err)
	}

	p.mu.Lock()
	p.subs[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() { p.unsubscribe(id) })
	}), nil
}

func (p *WSProvider) unsubscribe(id string) {
	p.mu.Lock()
	delete(p.subs, id)
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsUnsubscribeTTL)
	defer cancel()
	if _, err := p.Request(ctx, MethodUnsubscribe, id); err != nil {
		logging.Warn("ws unsubscribe failed", "subscription", id, logging.Err(err))
	}
}

// Close closes the connection, failing any in-flight requests, and waits
// for the background goroutines to exit.
func (p *WSProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.writeMu.Lock()
		_ = p.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = p.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		p.writeMu.Unlock()

		close(p.done)
		err = p.conn.Close()
		p.wg.Wait()
	})
	return err
}

func (p *WSProvider) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *WSProvider) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logging.Warn("wallet bridge connection lost", logging.Err(err), logging.Component("provider"))
				}
			}
			p.failPending()
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debug("ws: ignoring malformed message", logging.Err(err))
			continue
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			p.deliver(*msg.ID, msg)
		case msg.Params != nil && isNotification(msg.Method):
			p.notify(msg.Params.Subscription, msg.Params.Result)
		}
	}
}

func isNotification(method string) bool {
	return method == "eth_subscription" || strings.HasSuffix(method, "_subscription")
}

func (p *WSProvider) deliver(id int64, msg wsMessage) {
	p.mu.Lock()
	ch, ok := p.pending[id]
	p.mu.Unlock()
	if !ok {
		return
	}

	resp := wsResponse{result: msg.Result}
	if msg.Error != nil {
		resp.err = msg.Error
	}
	select {
	case ch <- resp:
	default:
	}
}

func (p *WSProvider) notify(subID string, payload json.RawMessage) {
	p.mu.Lock()
	fn, ok := p.subs[subID]
	p.mu.Unlock()
	if !ok {
		return
	}

	p.eventsMu.Lock()
	p.events = append(p.events, wsEvent{fn: fn, payload: payload})
	p.eventsMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *WSProvider) dispatchLoop() {
	for {
		p.eventsMu.Lock()
		batch := p.events
		p.events = nil
		p.eventsMu.Unlock()

		for _, ev := range batch {
			select {
			case <-p.done:
				return
			default:
			}
			ev.fn(ev.payload)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-p.wake:
		case <-p.done:
			return
		}
	}
}

// failPending marks the provider closed so waiting requests return ErrClosed.
func (p *WSProvider) failPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.pending {
		select {
		case ch <- wsResponse{err: ErrClosed}:
		default:
		}
		delete(p.pending, id)
	}
	p.closed = true
}

func bridgeURL(config *WSConfig) (string, error) {
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = DefaultBridgeEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid bridge endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid bridge endpoint %q: scheme must be ws or wss", endpoint)
	}
	if config.Identity != "" {
		q := u.Query()
		q.Set("identity", config.Identity)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
