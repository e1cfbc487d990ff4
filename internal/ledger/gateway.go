// Package ledger is the narrow capability boundary to the chain: submit a
// contract call, wait for its receipt, decode events and read state. It
// holds no market logic.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

// rpcClient is the subset of ethclient.Client the gateway uses.
type rpcClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	Close()
}

// Config configures a Gateway.
type Config struct {
	RPCURL         string
	ChainID        int64
	Key            *ecdsa.PrivateKey
	Addresses      Addresses
	ArtifactsDir   string
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	// GasBufferPct is added on top of the node's gas estimate.
	GasBufferPct uint64
}

// Tx is a handle to a submitted transaction.
type Tx struct {
	Hash        common.Hash `json:"hash"`
	Contract    string      `json:"contract"`
	Method      string      `json:"method"`
	SubmittedAt time.Time   `json:"submittedAt"`
}

// Gateway signs and submits contract calls with a single backend key.
type Gateway struct {
	rpc            rpcClient
	chainID        *big.Int
	key            *ecdsa.PrivateKey
	from           common.Address
	addrs          Addresses
	abis           map[string]abi.ABI
	breaker        *gobreaker.CircuitBreaker
	sendMu         sync.Mutex
	receiptTimeout time.Duration
	pollInterval   time.Duration
	gasBufferPct   uint64
	logger         *slog.Logger
}

// Dial connects to the RPC endpoint and checks that it serves the
// configured chain.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", cfg.RPCURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ledger: chain id: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("ledger: rpc serves chain %d, configured %d", chainID.Int64(), cfg.ChainID)
	}
	cfg.ChainID = chainID.Int64()

	g, err := newGateway(client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return g, nil
}

func newGateway(client rpcClient, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if cfg.Key == nil {
		return nil, errors.New("ledger: signer key is required")
	}
	abis := DefaultABIs()
	if err := LoadArtifacts(cfg.ArtifactsDir, abis); err != nil {
		return nil, err
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.GasBufferPct == 0 {
		cfg.GasBufferPct = 20
	}

	logger = logger.With(slog.String("component", "ledger"))
	g := &Gateway{
		rpc:            client,
		chainID:        big.NewInt(cfg.ChainID),
		key:            cfg.Key,
		from:           crypto.PubkeyToAddress(cfg.Key.PublicKey),
		addrs:          cfg.Addresses,
		abis:           abis,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
		gasBufferPct:   cfg.GasBufferPct,
		logger:         logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger-rpc",
		MaxRequests: 3,
		Interval:    2 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A revert or a missing receipt means the node answered.
			if err == nil || errors.Is(err, ethereum.NotFound) {
				return true
			}
			_, reverted := AsRevert(classify("", err))
			return reverted
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return g, nil
}

// Close releases the RPC connection.
func (g *Gateway) Close() {
	g.rpc.Close()
}

// ChainID returns the chain the gateway is bound to.
func (g *Gateway) ChainID() int64 {
	return g.chainID.Int64()
}

// From returns the backend signer address.
func (g *Gateway) From() common.Address {
	return g.from
}

// Addresses returns the configured contract addresses.
func (g *Gateway) Addresses() Addresses {
	return g.addrs
}

// call runs fn through the circuit breaker.
func call[T any](g *Gateway, fn func() (T, error)) (T, error) {
	out, err := g.breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}

func (g *Gateway) pack(contract string, to common.Address, method string, args ...any) ([]byte, abi.ABI, error) {
	a, ok := g.abis[contract]
	if !ok {
		return nil, abi.ABI{}, fmt.Errorf("ledger: %s: %w", contract, domain.ErrArtifactMissing)
	}
	if _, ok := a.Methods[method]; !ok {
		return nil, abi.ABI{}, fmt.Errorf("ledger: %s.%s: %w: unknown method", contract, method, domain.ErrArtifactMissing)
	}
	if to == (common.Address{}) {
		return nil, abi.ABI{}, fmt.Errorf("ledger: %s: %w: no address configured", contract, domain.ErrArtifactMissing)
	}
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, abi.ABI{}, fmt.Errorf("ledger: pack %s.%s: %w: %v", contract, method, domain.ErrLedgerFatal, err)
	}
	return data, a, nil
}

// Submit signs and broadcasts a call to method on the contract at to. A
// revert during gas estimation is returned as *RevertError and nothing is
// broadcast.
func (g *Gateway) Submit(ctx context.Context, contract string, to common.Address, method string, args ...any) (Tx, error) {
	data, _, err := g.pack(contract, to, method, args...)
	if err != nil {
		return Tx{}, err
	}
	name := contract + "." + method

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	msg := ethereum.CallMsg{From: g.from, To: &to, Data: data}
	gas, err := call(g, func() (uint64, error) { return g.rpc.EstimateGas(ctx, msg) })
	if err != nil {
		return Tx{}, classify(name, err)
	}
	gas += gas * g.gasBufferPct / 100

	nonce, err := call(g, func() (uint64, error) { return g.rpc.PendingNonceAt(ctx, g.from) })
	if err != nil {
		return Tx{}, classify(name, err)
	}

	txData, err := g.buildTx(ctx, nonce, to, gas, data)
	if err != nil {
		return Tx{}, classify(name, err)
	}
	signed, err := types.SignNewTx(g.key, types.LatestSignerForChainID(g.chainID), txData)
	if err != nil {
		return Tx{}, fmt.Errorf("ledger: sign %s: %w: %v", name, domain.ErrLedgerFatal, err)
	}
	tx := Tx{Hash: signed.Hash(), Contract: contract, Method: method, SubmittedAt: time.Now().UTC()}
	if _, err := call(g, func() (struct{}, error) { return struct{}{}, g.rpc.SendTransaction(ctx, signed) }); err != nil {
		return g.sendFailed(ctx, tx, name, err)
	}

	g.logger.Info("transaction submitted",
		slog.String("method", name),
		slog.String("tx_hash", tx.Hash.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)
	return tx, nil
}

// sendFailed decides what a failed broadcast means. A revert never left the
// node. Otherwise the transaction may have been accepted before the error
// surfaced, so unless the node says it does not know the hash the caller
// gets tx back wrapped in domain.ErrReceiptTimeout and must track it.
func (g *Gateway) sendFailed(ctx context.Context, tx Tx, name string, sendErr error) (Tx, error) {
	err := classify(name, sendErr)
	if _, ok := AsRevert(err); ok {
		return Tx{}, err
	}
	if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
		return Tx{}, err
	}
	if g.unknownTx(context.WithoutCancel(ctx), tx.Hash) {
		return Tx{}, err
	}
	g.logger.Warn("broadcast outcome unknown",
		slog.String("method", name),
		slog.String("tx_hash", tx.Hash.Hex()),
		slog.String("error", sendErr.Error()),
	)
	return tx, fmt.Errorf("ledger: %s %s: %w: send: %v", name, tx.Hash.Hex(), domain.ErrReceiptTimeout, sendErr)
}

// unknownTx reports whether the node answered that it has never seen hash.
// Any other failure to ask counts as known.
func (g *Gateway) unknownTx(ctx context.Context, hash common.Hash) bool {
	_, err := call(g, func() (*types.Transaction, error) {
		sent, _, err := g.rpc.TransactionByHash(ctx, hash)
		return sent, err
	})
	return errors.Is(err, ethereum.NotFound)
}

func (g *Gateway) buildTx(ctx context.Context, nonce uint64, to common.Address, gas uint64, data []byte) (types.TxData, error) {
	head, err := call(g, func() (*types.Header, error) { return g.rpc.HeaderByNumber(ctx, nil) })
	if err != nil {
		return nil, err
	}
	if head.BaseFee == nil {
		price, err := call(g, func() (*big.Int, error) { return g.rpc.SuggestGasPrice(ctx) })
		if err != nil {
			return nil, err
		}
		return &types.LegacyTx{Nonce: nonce, To: &to, Gas: gas, GasPrice: price, Data: data}, nil
	}
	tip, err := call(g, func() (*big.Int, error) { return g.rpc.SuggestGasTipCap(ctx) })
	if err != nil {
		return nil, err
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return &types.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		To:        &to,
		Gas:       gas,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	}, nil
}

// AwaitReceipt polls for the receipt of tx until it is mined, the receipt
// timeout elapses, or ctx is done. Timing out yields domain.ErrReceiptTimeout:
// the transaction may still be mined later. A mined but failed transaction
// yields *RevertError carrying the replayed reason.
func (g *Gateway) AwaitReceipt(ctx context.Context, tx Tx) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, mined, err := g.PollReceipt(ctx, tx)
		if err != nil && !errors.Is(err, domain.ErrLedgerTransient) && !errors.Is(err, domain.ErrTxDropped) {
			return receipt, err
		}
		if mined {
			return receipt, err
		}
		if err != nil {
			g.logger.Debug("receipt poll failed", slog.String("tx_hash", tx.Hash.Hex()), slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("ledger: await %s: %w", tx.Hash.Hex(), domain.ErrReceiptTimeout)
		case <-ticker.C:
		}
	}
}

// PollReceipt checks once for the receipt of tx. It reports mined=false with
// a nil error while the transaction waits in the pool, and wraps
// domain.ErrTxDropped when the node knows neither receipt nor transaction.
func (g *Gateway) PollReceipt(ctx context.Context, tx Tx) (*types.Receipt, bool, error) {
	name := tx.Contract + "." + tx.Method
	receipt, err := call(g, func() (*types.Receipt, error) { return g.rpc.TransactionReceipt(ctx, tx.Hash) })
	if errors.Is(err, ethereum.NotFound) {
		if g.unknownTx(ctx, tx.Hash) {
			return nil, false, fmt.Errorf("ledger: %s %s: %w", name, tx.Hash.Hex(), domain.ErrTxDropped)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(name, err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return receipt, true, nil
	}
	return receipt, true, g.replayRevert(ctx, name, tx.Hash, receipt)
}

// replayRevert re-executes a failed transaction at its block to recover the
// revert reason.
func (g *Gateway) replayRevert(ctx context.Context, name string, hash common.Hash, receipt *types.Receipt) error {
	re := &RevertError{Method: name, Reason: "no reason", TxHash: hash}

	sent, _, err := g.rpc.TransactionByHash(ctx, hash)
	if err != nil || sent.To() == nil {
		return re
	}
	msg := ethereum.CallMsg{From: g.from, To: sent.To(), Gas: sent.Gas(), Value: sent.Value(), Data: sent.Data()}
	_, err = g.rpc.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return re
	}
	if replayed, ok := AsRevert(classify(name, err)); ok {
		re.Reason = replayed.Reason
	}
	return re
}

// ReadState calls a view method and returns its unpacked outputs.
func (g *Gateway) ReadState(ctx context.Context, contract string, addr common.Address, method string, args ...any) ([]any, error) {
	data, a, err := g.pack(contract, addr, method, args...)
	if err != nil {
		return nil, err
	}
	name := contract + "." + method
	msg := ethereum.CallMsg{From: g.from, To: &addr, Data: data}
	out, err := call(g, func() ([]byte, error) { return g.rpc.CallContract(ctx, msg, nil) })
	if err != nil {
		return nil, classify(name, err)
	}
	values, err := a.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w: %v", name, domain.ErrLedgerFatal, err)
	}
	return values, nil
}

// DecodeEvents returns the arguments of every event named event in receipt,
// emitted by emitter. A zero emitter matches any address.
func (g *Gateway) DecodeEvents(receipt *types.Receipt, contract string, emitter common.Address, event string) ([]map[string]any, error) {
	a, ok := g.abis[contract]
	if !ok {
		return nil, fmt.Errorf("ledger: %s: %w", contract, domain.ErrArtifactMissing)
	}
	return DecodeEvents(a, receipt, emitter, event)
}

// DecodeEvents decodes every log in receipt matching event of contract a.
func DecodeEvents(a abi.ABI, receipt *types.Receipt, emitter common.Address, event string) ([]map[string]any, error) {
	ev, ok := a.Events[event]
	if !ok {
		return nil, fmt.Errorf("ledger: event %s: %w", event, domain.ErrArtifactMissing)
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}

	var out []map[string]any
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		if emitter != (common.Address{}) && lg.Address != emitter {
			continue
		}
		values := make(map[string]any)
		if len(lg.Data) > 0 {
			if err := a.UnpackIntoMap(values, event, lg.Data); err != nil {
				return nil, fmt.Errorf("ledger: decode %s data: %w", event, err)
			}
		}
		if len(indexed) > 0 {
			if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
				return nil, fmt.Errorf("ledger: decode %s topics: %w", event, err)
			}
		}
		out = append(out, values)
	}
	return out, nil
}
