// Package gateway dispatches inbound requests to the settlement scheme
// verifiers. A Gateway is built once at startup from the route acceptances
// and owns all per-scheme state: tables, chain clients, and the stream
// event listeners.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	paygate "github.com/paygate-labs/paygate-go"
	"github.com/paygate-labs/paygate-go/channel"
	"github.com/paygate-labs/paygate-go/evm"
	"github.com/paygate-labs/paygate-go/onetime"
	"github.com/paygate-labs/paygate-go/stream"
)

// ChainBackend is the chain access a scheme runtime needs. *evm.Client
// satisfies it; tests inject stubs.
type ChainBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*evm.Receipt, error)
	CallContract(ctx context.Context, contract common.Address, data []byte) ([]byte, error)
	SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Dialer opens a chain backend for an RPC or WebSocket URL.
type Dialer func(ctx context.Context, url string) (ChainBackend, error)

func dialEVM(ctx context.Context, url string) (ChainBackend, error) {
	return evm.Dial(ctx, url)
}

// Grant is a successful authorization: which scheme paid, who paid, and any
// headers to attach to the downstream response.
type Grant struct {
	// Scheme is the settlement scheme that authorized the request.
	Scheme paygate.Scheme

	// Payer is the paying address the scheme verified.
	Payer common.Address

	// ResponseHeaders carries the updated channel state and timestamp for
	// channel grants; empty for the other schemes.
	ResponseHeaders map[string]string
}

// Gateway authorizes requests against the configured route acceptances.
type Gateway struct {
	routes map[string]map[paygate.Scheme]*runtime

	dial Dialer
	now  func() time.Time

	// lifeCtx bounds the stream listeners; cancelled by Shutdown.
	lifeCtx context.Context
	cancel  context.CancelFunc
}

// runtime is one acceptance plus its lazily constructed verifier. The chain
// client is dialed on first use so a misconfigured route fails its own
// requests without taking the process down at startup.
type runtime struct {
	acc   paygate.SchemeAcceptance
	units *big.Int // base units; per-second flow rate for streams

	mu      sync.Mutex
	onetime *onetime.Verifier
	channel *channel.Verifier
	stream  *stream.Verifier
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDialer overrides how chain backends are opened. Used by tests.
func WithDialer(d Dialer) Option {
	return func(g *Gateway) { g.dial = d }
}

// WithClock overrides the gateway clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New validates the acceptances, converts their amounts to base units once,
// and returns a ready Gateway.
func New(acceptances []paygate.SchemeAcceptance, opts ...Option) (*Gateway, error) {
	if len(acceptances) == 0 {
		return nil, fmt.Errorf("%w: no acceptances configured", paygate.ErrInvalidConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		routes:  make(map[string]map[paygate.Scheme]*runtime),
		dial:    dialEVM,
		now:     time.Now,
		lifeCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, acc := range acceptances {
		rt, err := newRuntime(acc)
		if err != nil {
			cancel()
			return nil, err
		}
		byScheme := g.routes[acc.Route]
		if byScheme == nil {
			byScheme = make(map[paygate.Scheme]*runtime)
			g.routes[acc.Route] = byScheme
		}
		if _, dup := byScheme[acc.Scheme]; dup {
			cancel()
			return nil, fmt.Errorf("%w: duplicate acceptance for route %q scheme %q", paygate.ErrInvalidConfig, acc.Route, acc.Scheme)
		}
		byScheme[acc.Scheme] = rt
	}
	return g, nil
}

func newRuntime(acc paygate.SchemeAcceptance) (*runtime, error) {
	if acc.Route == "" {
		return nil, fmt.Errorf("%w: acceptance without a route", paygate.ErrInvalidConfig)
	}
	if !acc.Scheme.Valid() {
		return nil, fmt.Errorf("%w: route %q: unknown scheme %q", paygate.ErrInvalidConfig, acc.Route, acc.Scheme)
	}
	if acc.RPCURL == "" {
		return nil, fmt.Errorf("%w: route %q: missing rpc url", paygate.ErrInvalidConfig, acc.Route)
	}
	if acc.Token == (common.Address{}) || acc.Recipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: route %q: missing token or recipient", paygate.ErrInvalidConfig, acc.Route)
	}

	var units *big.Int
	var err error
	if acc.Scheme == paygate.SchemeStream {
		units, err = paygate.MonthlyAmountToFlowRate(acc.Amount, acc.Decimals)
	} else {
		units, err = paygate.AmountToBaseUnits(acc.Amount, acc.Decimals)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: route %q: amount %q: %v", paygate.ErrInvalidConfig, acc.Route, acc.Amount, err)
	}
	if units.Sign() == 0 {
		return nil, fmt.Errorf("%w: route %q: amount %q converts to zero base units", paygate.ErrInvalidConfig, acc.Route, acc.Amount)
	}
	return &runtime{acc: acc, units: units}, nil
}

// Shutdown stops the stream listeners. In-flight requests finish normally.
func (g *Gateway) Shutdown() {
	g.cancel()
}

// Routes lists the configured routes.
func (g *Gateway) Routes() []string {
	out := make([]string, 0, len(g.routes))
	for route := range g.routes {
		out = append(out, route)
	}
	return out
}

// Accepts reports whether any acceptance covers the route.
func (g *Gateway) Accepts(route string) bool {
	return len(g.routes[route]) > 0
}

// Authorize runs the full dispatch: header parse, acceptance lookup, payload
// shape check, and scheme verification. A nil error means the request may
// proceed downstream.
func (g *Gateway) Authorize(ctx context.Context, route, paymentHeader string, body []byte) (*Grant, error) {
	if paymentHeader == "" {
		return nil, paygate.ErrMissingHeaders
	}

	var header paygate.PaymentHeader
	if err := json.Unmarshal([]byte(paymentHeader), &header); err != nil {
		return nil, fmt.Errorf("%w: %v", paygate.ErrInvalidHeaders, err)
	}
	if header.X402Version != paygate.X402Version {
		return nil, fmt.Errorf("%w: unsupported x402 version %d", paygate.ErrInvalidHeaders, header.X402Version)
	}

	rt := g.routes[route][header.Scheme]
	if rt == nil {
		return nil, fmt.Errorf("%w: route %q does not accept scheme %q", paygate.ErrSchemeNotAccepted, route, header.Scheme)
	}
	if header.Network != "" && rt.acc.Network != "" && header.Network != rt.acc.Network {
		return nil, fmt.Errorf("%w: route %q settles on %q, not %q", paygate.ErrSchemeNotAccepted, route, rt.acc.Network, header.Network)
	}

	switch header.Scheme {
	case paygate.SchemeOneTime:
		return g.authorizeOneTime(ctx, rt, header.Payload)
	case paygate.SchemeChannel:
		return g.authorizeChannel(ctx, rt, header.Payload, body)
	case paygate.SchemeStream:
		return g.authorizeStream(ctx, rt, header.Payload)
	}
	return nil, fmt.Errorf("%w: scheme %q", paygate.ErrSchemeNotAccepted, header.Scheme)
}

func (g *Gateway) authorizeOneTime(ctx context.Context, rt *runtime, raw json.RawMessage) (*Grant, error) {
	var payload onetime.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: one-time payload: %v", paygate.ErrInvalidHeaders, err)
	}
	if payload.Signature == "" || payload.TxHash == "" {
		return nil, fmt.Errorf("%w: one-time payload requires signature and tx_hash", paygate.ErrInvalidHeaders)
	}

	verifier, err := rt.oneTimeVerifier(ctx, g)
	if err != nil {
		return nil, err
	}
	payment, err := verifier.Verify(ctx, payload)
	if err != nil {
		return nil, err
	}
	return &Grant{Scheme: paygate.SchemeOneTime, Payer: payment.Sender}, nil
}

func (g *Gateway) authorizeChannel(ctx context.Context, rt *runtime, raw json.RawMessage, body []byte) (*Grant, error) {
	var payload channel.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: channel payload: %v", paygate.ErrInvalidHeaders, err)
	}
	if payload.Signature == "" || payload.Message == "" {
		return nil, fmt.Errorf("%w: channel payload requires signature and message", paygate.ErrInvalidHeaders)
	}

	verifier, err := rt.channelVerifier(ctx, g)
	if err != nil {
		return nil, err
	}
	updated, err := verifier.Verify(ctx, payload, body)
	if err != nil {
		return nil, err
	}

	updatedJSON, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paygate.ErrInternal, err)
	}
	return &Grant{
		Scheme: paygate.SchemeChannel,
		Payer:  updated.Sender,
		ResponseHeaders: map[string]string{
			"X-PAYMENT":   string(updatedJSON),
			"X-TIMESTAMP": strconv.FormatInt(g.now().Unix(), 10),
		},
	}, nil
}

func (g *Gateway) authorizeStream(ctx context.Context, rt *runtime, raw json.RawMessage) (*Grant, error) {
	var payload stream.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: stream payload: %v", paygate.ErrInvalidHeaders, err)
	}
	if payload.Signature == "" || payload.Sender == "" {
		return nil, fmt.Errorf("%w: stream payload requires signature and sender", paygate.ErrInvalidHeaders)
	}

	verifier, err := rt.streamVerifier(ctx, g)
	if err != nil {
		return nil, err
	}
	record, err := verifier.Verify(ctx, payload)
	if err != nil {
		return nil, err
	}
	return &Grant{Scheme: paygate.SchemeStream, Payer: record.Sender}, nil
}

// oneTimeVerifier builds the runtime's verifier on first use.
func (rt *runtime) oneTimeVerifier(ctx context.Context, g *Gateway) (*onetime.Verifier, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.onetime != nil {
		return rt.onetime, nil
	}

	backend, err := g.dial(ctx, rt.acc.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", paygate.ErrNetwork, rt.acc.RPCURL, err)
	}
	rt.onetime = &onetime.Verifier{
		Client: backend,
		Table:  onetime.NewTable(),
		Config: onetime.Config{
			Token:          rt.acc.Token,
			Recipient:      rt.acc.Recipient,
			Amount:         rt.units,
			AbsWindow:      rt.acc.AbsWindowOrDefault(),
			SessionTTL:     rt.acc.SessionTTLOrDefault(),
			MaxRedemptions: rt.acc.MaxRedemptionsOrDefault(),
		},
		Now: g.now,
	}
	return rt.onetime, nil
}

func (rt *runtime) channelVerifier(ctx context.Context, g *Gateway) (*channel.Verifier, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.channel != nil {
		return rt.channel, nil
	}

	backend, err := g.dial(ctx, rt.acc.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", paygate.ErrNetwork, rt.acc.RPCURL, err)
	}
	v := &channel.Verifier{
		Client: backend,
		Table:  channel.NewTable(),
		Config: channel.Config{
			Token:     rt.acc.Token,
			Recipient: rt.acc.Recipient,
			Amount:    rt.units,
			BindBody:  rt.acc.BindBody,
		},
		Now: g.now,
	}
	if rt.acc.RateLimit {
		v.Limiter = channel.NewRateLimiter(channel.DefaultRateLimit, channel.DefaultRateWindow)
	}
	rt.channel = v
	return rt.channel, nil
}

// streamVerifier builds the verifier and launches the chain's FlowUpdated
// listener on first use.
func (rt *runtime) streamVerifier(ctx context.Context, g *Gateway) (*stream.Verifier, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stream != nil {
		return rt.stream, nil
	}

	wssURL := rt.acc.WSSURL
	cfa := rt.acc.CFAAddress
	forwarder := common.Address{}
	if info, ok := paygate.LookupChain(rt.acc.ChainID); ok {
		forwarder = info.CFAForwarder
		if wssURL == "" {
			wssURL = info.WSSURL
		}
		if cfa == (common.Address{}) {
			cfa = info.CFA
		}
	}
	if wssURL == "" || forwarder == (common.Address{}) {
		info, err := paygate.ResolveChain(ctx, rt.acc.ChainID)
		if err != nil {
			return nil, err
		}
		forwarder = info.CFAForwarder
		if wssURL == "" {
			wssURL = info.WSSURL
		}
	}
	// The FlowUpdated emitter is the per-chain CFA agreement contract, not
	// the forwarder the flow lookups go through.
	if cfa == (common.Address{}) {
		var err error
		cfa, err = paygate.ResolveCFA(ctx, rt.acc.ChainID)
		if err != nil {
			return nil, err
		}
	}

	backend, err := g.dial(ctx, wssURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", paygate.ErrNetwork, wssURL, err)
	}

	cfg := stream.Config{
		Forwarder: forwarder,
		CFA:       cfa,
		Token:     rt.acc.Token,
		Recipient: rt.acc.Recipient,
		FlowRate:  rt.units,
		CacheTTL:  rt.acc.CacheTTLOrDefault(),
	}
	table := stream.NewTable()
	rt.stream = &stream.Verifier{
		Client: backend,
		Table:  table,
		Config: cfg,
		Now:    g.now,
	}

	listener := &stream.Listener{Client: backend, Table: table, Config: cfg}
	go listener.Run(g.lifeCtx)
	slog.Info("stream listener started",
		"route", rt.acc.Route,
		"chain_id", rt.acc.ChainID,
		"wss", wssURL)

	return rt.stream, nil
}
