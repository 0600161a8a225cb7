// Package chain talks to an EVM node over JSON-RPC. It signs custodial
// transactions, polls for receipts and runs read-only calls.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/okian/rewards/pkg/logger"
)

// ErrUnknownWallet is returned by Send for wallets without a custodial key.
var ErrUnknownWallet = errors.New("no custodial key for wallet")

// Backend is the subset of *ethclient.Client the adapter uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client implements the settlement chain port.
type Client struct {
	backend      Backend
	closer       func()
	chainID      *big.Int
	keys         Keyring
	pollInterval time.Duration
	gasBuffer    uint64 // percent added to estimates
	logger       logger.Logger

	mu      sync.Mutex
	senders map[common.Address]*sync.Mutex
}

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithPollInterval sets how often WaitMined asks for a receipt.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithGasBuffer adds percent to every gas estimate.
func WithGasBuffer(percent uint64) Option {
	return func(c *Client) {
		c.gasBuffer = percent
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial connects to rpcURL and checks that the node serves chainID.
func Dial(ctx context.Context, rpcURL string, chainID *big.Int, keys Keyring, opts ...Option) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	remote, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if remote.Cmp(chainID) != 0 {
		rpc.Close()
		return nil, fmt.Errorf("node serves chain %s, configured %s", remote, chainID)
	}
	c := New(rpc, chainID, keys, opts...)
	c.closer = rpc.Close
	return c, nil
}

// New wraps an existing backend.
func New(backend Backend, chainID *big.Int, keys Keyring, opts ...Option) *Client {
	c := &Client{
		backend:      backend,
		chainID:      new(big.Int).Set(chainID),
		keys:         keys,
		pollInterval: 2 * time.Second,
		gasBuffer:    20,
		logger:       logger.Nop(),
		senders:      make(map[common.Address]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the RPC connection when the client dialed it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *Client) senderLock(from common.Address) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.senders[from]
	if !ok {
		m = &sync.Mutex{}
		c.senders[from] = m
	}
	return m
}

// Send builds and signs an EIP-1559 transaction from a custodial wallet,
// hands its hash to record, and broadcasts it once record succeeds. A nil
// record is skipped. Sends from one wallet are serialized so account nonces
// do not collide.
//
// A zero hash returned with an error means nothing was broadcast. A
// non-zero hash returned with an error means the node may have accepted the
// transaction: the outcome is unknown and must be looked up by hash.
func (c *Client) Send(ctx context.Context, from, to common.Address, data []byte, record func(common.Hash) error) (common.Hash, error) {
	key, ok := c.keys.Key(from)
	if !ok {
		return common.Hash{}, fmt.Errorf("%w %s", ErrUnknownWallet, from.Hex())
	}

	lock := c.senderLock(from)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      from,
		To:        &to,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * c.gasBuffer / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if record != nil {
		if err := record(signed.Hash()); err != nil {
			return common.Hash{}, fmt.Errorf("record transaction: %w", err)
		}
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return signed.Hash(), fmt.Errorf("send transaction: %w", err)
	}

	c.logger.Debug(ctx, "transaction sent",
		logger.String("tx", signed.Hash().Hex()),
		logger.String("from", from.Hex()),
		logger.Uint64("nonce", nonce),
		logger.Uint64("gas", gas),
	)
	return signed.Hash(), nil
}

// WaitMined polls until the receipt exists or ctx ends. RPC errors are
// retried; the last one is returned alongside the context error.
func (c *Client) WaitMined(ctx context.Context, tx common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var last error
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			last = err
			c.logger.Debug(ctx, "receipt lookup failed, retrying",
				logger.String("tx", tx.Hex()),
				logger.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			if last != nil {
				return nil, errors.Join(ctx.Err(), last)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Receipt returns ethereum.NotFound while tx is not mined.
func (c *Client) Receipt(ctx context.Context, tx common.Hash) (*types.Receipt, error) {
	return c.backend.TransactionReceipt(ctx, tx)
}

// Call runs a read-only call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}
