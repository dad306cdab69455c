// Package evm implements the gateway's chain access layer: transaction
// receipt reads, contract view calls, event log subscriptions, and signed
// transaction submission, plus EIP-191 signature recovery and operator key
// loading.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/paygate-labs/paygate-go/retry"
)

// DefaultCallTimeout bounds every chain RPC issued on the request path.
const DefaultCallTimeout = 5 * time.Second

// ErrReceiptNotFound is returned when no receipt exists for a transaction.
var ErrReceiptNotFound = errors.New("transaction receipt not found")

// Receipt is the subset of a transaction receipt the verifiers consume,
// augmented with the containing block's timestamp.
type Receipt struct {
	TxHash         common.Hash
	From           common.Address
	To             *common.Address
	Status         uint64
	Logs           []*types.Log
	BlockNumber    *big.Int
	BlockTimestamp uint64
}

// Client is a shared, internally concurrent chain client. One Client wraps
// one JSON-RPC endpoint; WebSocket endpoints additionally support log
// subscriptions.
type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	timeout time.Duration
}

// Dial connects to a JSON-RPC endpoint. Use a ws:// or wss:// URL when the
// client must serve log subscriptions.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{
		rpc:     c,
		eth:     ethclient.NewClient(c),
		timeout: DefaultCallTimeout,
	}, nil
}

// SetCallTimeout overrides the per-call timeout.
func (c *Client) SetCallTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Close tears down the underlying transport.
func (c *Client) Close() {
	c.rpc.Close()
}

// rpcReceipt mirrors the eth_getTransactionReceipt result. The standard
// receipt type omits from/to, which the verifiers need, and some chains
// (OP-stack) inline the block timestamp.
type rpcReceipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	From            common.Address  `json:"from"`
	To              *common.Address `json:"to"`
	Status          hexutil.Uint64  `json:"status"`
	BlockNumber     *hexutil.Big    `json:"blockNumber"`
	BlockTimestamp  *hexutil.Uint64 `json:"blockTimestamp"`
	Logs            []*types.Log    `json:"logs"`
}

// isTransient classifies RPC failures worth another attempt: transport
// errors, rate limiting, and server-side 5xx. JSON-RPC application errors
// (reverts, unknown methods) and expired contexts are final.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// TransactionReceipt fetches the receipt for txHash, retrying transient
// transport failures. Returns ErrReceiptNotFound when the transaction is
// unknown or pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	return retry.Do(ctx, retry.DefaultConfig, isTransient, func() (*Receipt, error) {
		return c.transactionReceipt(ctx, txHash)
	})
}

func (c *Client) transactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var raw *rpcReceipt
	if err := c.rpc.CallContext(ctx, &raw, "eth_getTransactionReceipt", txHash); err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt: %w", err)
	}
	if raw == nil || raw.BlockNumber == nil {
		return nil, ErrReceiptNotFound
	}

	receipt := &Receipt{
		TxHash:      raw.TransactionHash,
		From:        raw.From,
		To:          raw.To,
		Status:      uint64(raw.Status),
		Logs:        raw.Logs,
		BlockNumber: raw.BlockNumber.ToInt(),
	}

	if raw.BlockTimestamp != nil {
		receipt.BlockTimestamp = uint64(*raw.BlockTimestamp)
		return receipt, nil
	}

	header, err := c.eth.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("header for block %s: %w", receipt.BlockNumber, err)
	}
	receipt.BlockTimestamp = header.Time
	return receipt, nil
}

// CallContract executes a read-only contract call against the latest block,
// retrying transient transport failures.
func (c *Client) CallContract(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	return retry.Do(ctx, retry.DefaultConfig, isTransient, func() ([]byte, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		return c.eth.CallContract(callCtx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	})
}

// SubscribeLogs opens a log subscription. The endpoint must be a WebSocket
// transport; HTTP endpoints will fail with a notifications-unsupported error.
func (c *Client) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.eth.SubscribeFilterLogs(ctx, q, ch)
}

// SendContractTx signs and submits a contract call transaction with the
// given key and returns the transaction hash. Used only for channel close.
func (c *Client) SendContractTx(ctx context.Context, key *ecdsa.PrivateKey, contract common.Address, data []byte) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*c.timeout)
	defer cancel()

	from := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &contract,
		Data: data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}
