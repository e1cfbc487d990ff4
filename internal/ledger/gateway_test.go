package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

type dataErr struct {
	msg  string
	data any
}

func (e dataErr) Error() string  { return e.msg }
func (e dataErr) ErrorData() any { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	typ, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: typ}}.Pack(reason)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

// stubRPC is a scripted rpcClient.
type stubRPC struct {
	mu         sync.Mutex
	estimate   error
	callOut    []byte
	callErr    error
	receipt    *types.Receipt
	sent       []*types.Transaction
	sentByHash map[common.Hash]*types.Transaction
	// sendErr is returned by SendTransaction. With acceptOnErr the node
	// keeps the transaction anyway, as after a response lost in transit.
	sendErr     error
	acceptOnErr bool
}

func (s *stubRPC) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }
func (s *stubRPC) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return s.callOut, s.callErr
}
func (s *stubRPC) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, s.estimate
}
func (s *stubRPC) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.sent)), nil
}
func (s *stubRPC) SuggestGasPrice(context.Context) (*big.Int, error)  { return big.NewInt(1e9), nil }
func (s *stubRPC) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }
func (s *stubRPC) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(2e9)}, nil
}
func (s *stubRPC) SendTransaction(_ context.Context, tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil && !s.acceptOnErr {
		return s.sendErr
	}
	s.sent = append(s.sent, tx)
	if s.sentByHash == nil {
		s.sentByHash = make(map[common.Hash]*types.Transaction)
	}
	s.sentByHash[tx.Hash()] = tx
	return s.sendErr
}
func (s *stubRPC) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if s.receipt == nil {
		return nil, ethereum.NotFound
	}
	return s.receipt, nil
}
func (s *stubRPC) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.sentByHash[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}
func (s *stubRPC) Close() {}

var testAddrs = Addresses{
	Factory:    common.HexToAddress("0x00000000000000000000000000000000000000f1"),
	Verifier:   common.HexToAddress("0x00000000000000000000000000000000000000f2"),
	Adapter:    common.HexToAddress("0x00000000000000000000000000000000000000f3"),
	Collateral: common.HexToAddress("0x00000000000000000000000000000000000000f4"),
}

func newTestGateway(t *testing.T, rpc rpcClient) *Gateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	g, err := newGateway(rpc, Config{
		ChainID:        31337,
		Key:            key,
		Addresses:      testAddrs,
		ReceiptTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return g
}

func TestClassify(t *testing.T) {
	t.Run("revert data", func(t *testing.T) {
		err := classify("pushOutcome", dataErr{msg: "execution reverted", data: encodeRevert(t, "Vault: already settled")})
		re, ok := AsRevert(err)
		require.True(t, ok)
		assert.Equal(t, "Vault: already settled", re.Reason)
		assert.True(t, re.AlreadySettled())
		assert.ErrorIs(t, err, domain.ErrReverted)
		assert.Equal(t, domain.KindLedgerFatal, domain.KindOf(err))
	})

	t.Run("revert message only", func(t *testing.T) {
		err := classify("allocateLiquidity", errors.New("execution reverted: insufficient balance"))
		re, ok := AsRevert(err)
		require.True(t, ok)
		assert.Equal(t, "insufficient balance", re.Reason)
		assert.False(t, re.AlreadySettled())
	})

	t.Run("settled without already is not a race", func(t *testing.T) {
		re := &RevertError{Method: "pushOutcome", Reason: "market cannot be settled before close"}
		assert.False(t, re.AlreadySettled())
		re = &RevertError{Method: "commitAI", Reason: "Verifier: already committed"}
		assert.False(t, re.AlreadySettled())
		re = &RevertError{Method: "pushOutcome", Reason: "Market has ALREADY been settled"}
		assert.True(t, re.AlreadySettled())
	})

	t.Run("network failure is transient", func(t *testing.T) {
		err := classify("createMarket", errors.New("dial tcp: connection refused"))
		assert.ErrorIs(t, err, domain.ErrLedgerTransient)
		assert.True(t, domain.KindOf(err).Retryable())
	})
}

func TestDecodeMarketCreated(t *testing.T) {
	factory := testAddrs.Factory
	id := common.HexToHash("0x1234")
	vault := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	lg, err := MarketCreatedLog(factory, id, vault, 1_800_000_000)
	require.NoError(t, err)

	got, err := DecodeMarketCreated(FactoryABI(), &types.Receipt{Logs: []*types.Log{lg}}, factory)
	require.NoError(t, err)
	assert.Equal(t, id, got.MarketID)
	assert.Equal(t, vault, got.Vault)

	_, err = DecodeMarketCreated(FactoryABI(), &types.Receipt{}, factory)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	// a log from some other contract does not count
	_, err = DecodeMarketCreated(FactoryABI(), &types.Receipt{Logs: []*types.Log{lg}}, testAddrs.Verifier)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestSubmitSignsAndSends(t *testing.T) {
	rpc := &stubRPC{}
	g := newTestGateway(t, rpc)

	tx, err := g.CreateMarket(context.Background(), "E1", "D1", 1_800_000_000)
	require.NoError(t, err)
	require.Len(t, rpc.sent, 1)

	sent := rpc.sent[0]
	assert.Equal(t, sent.Hash(), tx.Hash)
	assert.Equal(t, testAddrs.Factory, *sent.To())
	assert.Equal(t, uint64(120_000), sent.Gas())
	assert.Equal(t, uint8(types.DynamicFeeTxType), sent.Type())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), sent)
	require.NoError(t, err)
	assert.Equal(t, g.From(), sender)
}

func TestSubmitRevertAtEstimate(t *testing.T) {
	rpc := &stubRPC{estimate: dataErr{msg: "execution reverted", data: encodeRevert(t, "already settled")}}
	g := newTestGateway(t, rpc)

	_, err := g.Settle(context.Background(), common.HexToHash("0x01"), domain.SideYes)
	re, ok := AsRevert(err)
	require.True(t, ok)
	assert.True(t, re.AlreadySettled())
	assert.Empty(t, rpc.sent)
}

func TestSubmitSendErrorAfterAccept(t *testing.T) {
	rpc := &stubRPC{sendErr: errors.New("read tcp: i/o timeout"), acceptOnErr: true}
	g := newTestGateway(t, rpc)

	tx, err := g.CreateMarket(context.Background(), "E1", "D1", 1_800_000_000)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReceiptTimeout)
	assert.Equal(t, domain.KindLedgerPending, domain.KindOf(err))
	require.Len(t, rpc.sent, 1)
	assert.Equal(t, rpc.sent[0].Hash(), tx.Hash)
	assert.Equal(t, "createMarket", tx.Method)
}

func TestSubmitSendErrorNotAccepted(t *testing.T) {
	rpc := &stubRPC{sendErr: errors.New("dial tcp: connection refused")}
	g := newTestGateway(t, rpc)

	tx, err := g.CreateMarket(context.Background(), "E1", "D1", 1_800_000_000)
	assert.ErrorIs(t, err, domain.ErrLedgerTransient)
	assert.Equal(t, Tx{}, tx)
	assert.Empty(t, rpc.sent)
}

func TestSubmitSendRevert(t *testing.T) {
	rpc := &stubRPC{sendErr: errors.New("execution reverted: Vault: locked")}
	g := newTestGateway(t, rpc)

	tx, err := g.Allocate(context.Background(), common.HexToAddress("0xaa"), big.NewInt(1), big.NewInt(2))
	re, ok := AsRevert(err)
	require.True(t, ok)
	assert.Equal(t, "Vault: locked", re.Reason)
	assert.Equal(t, Tx{}, tx)
}

func TestPollReceiptUnknownTx(t *testing.T) {
	rpc := &stubRPC{}
	g := newTestGateway(t, rpc)

	_, mined, err := g.PollReceipt(context.Background(), Tx{Hash: common.HexToHash("0x01")})
	assert.False(t, mined)
	assert.ErrorIs(t, err, domain.ErrTxDropped)
	assert.True(t, domain.KindOf(err).Retryable())

	tx, err := g.CreateMarket(context.Background(), "E1", "D1", 1_800_000_000)
	require.NoError(t, err)
	_, mined, err = g.PollReceipt(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, mined)
}

func TestSubmitMissingAddress(t *testing.T) {
	g := newTestGateway(t, &stubRPC{})
	g.addrs.Adapter = common.Address{}
	_, err := g.Settle(context.Background(), common.HexToHash("0x01"), domain.SideNo)
	assert.ErrorIs(t, err, domain.ErrArtifactMissing)
}

func TestSettleRejectsInvalidSide(t *testing.T) {
	g := newTestGateway(t, &stubRPC{})
	_, err := g.Settle(context.Background(), common.HexToHash("0x01"), domain.Side(2))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReadVaultState(t *testing.T) {
	typ, err := abi.NewType("uint8", "", nil)
	require.NoError(t, err)
	out, err := abi.Arguments{{Type: typ}}.Pack(uint8(2))
	require.NoError(t, err)

	g := newTestGateway(t, &stubRPC{callOut: out})
	state, err := g.VaultState(context.Background(), common.HexToAddress("0xaa"))
	require.NoError(t, err)
	assert.Equal(t, domain.VaultSettled, state)
}

func TestAwaitReceiptTimeout(t *testing.T) {
	g := newTestGateway(t, &stubRPC{})
	_, err := g.AwaitReceipt(context.Background(), Tx{Hash: common.HexToHash("0x01")})
	assert.ErrorIs(t, err, domain.ErrReceiptTimeout)
	assert.Equal(t, domain.KindLedgerPending, domain.KindOf(err))
}

func TestAwaitReceiptFailedReplaysReason(t *testing.T) {
	rpc := &stubRPC{}
	g := newTestGateway(t, rpc)

	tx, err := g.Allocate(context.Background(), common.HexToAddress("0xaa"), big.NewInt(1), big.NewInt(2))
	require.NoError(t, err)

	rpc.receipt = &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: tx.Hash, BlockNumber: big.NewInt(7)}
	rpc.callErr = dataErr{msg: "execution reverted", data: encodeRevert(t, "Vault: locked")}

	_, err = g.AwaitReceipt(context.Background(), tx)
	re, ok := AsRevert(err)
	require.True(t, ok)
	assert.Equal(t, "Vault: locked", re.Reason)
	assert.Equal(t, tx.Hash, re.TxHash)
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"OracleXMarketFactory": "0x00000000000000000000000000000000000000f1",
		"USDC": "0x00000000000000000000000000000000000000f4",
		"Unrelated": "0x1"
	}`), 0o600))

	addrs, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, testAddrs.Factory, addrs.Factory)
	assert.Equal(t, testAddrs.Collateral, addrs.Collateral)
	assert.Equal(t, common.Address{}, addrs.Verifier)

	merged := Addresses{Verifier: testAddrs.Verifier}.Merge(addrs)
	assert.Equal(t, testAddrs.Verifier, merged.Verifier)
	assert.Equal(t, testAddrs.Factory, merged.Factory)

	missing, err := LoadRegistry(filepath.Join(dir, "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, Addresses{}, missing)
}

func TestLoadArtifactsOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ContractVault+".sol"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ContractVault+".sol", ContractVault+".json"), []byte(`{
		"abi": [{"type":"function","name":"state","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}]
	}`), 0o600))

	abis := DefaultABIs()
	require.NoError(t, LoadArtifacts(dir, abis))
	_, hasAllocate := abis[ContractVault].Methods["allocateLiquidity"]
	assert.False(t, hasAllocate)
	_, hasFactory := abis[ContractFactory].Methods["createMarket"]
	assert.True(t, hasFactory)
}
