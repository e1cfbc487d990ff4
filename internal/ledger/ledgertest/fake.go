// Package ledgertest provides an in-memory ledger for orchestrator tests.
package ledgertest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/ledger"
)

// Vault is the simulated state of one market vault.
type Vault struct {
	State     domain.VaultState
	Side      domain.Side
	Balance   *big.Int
	YesAmount *big.Int
	NoAmount  *big.Int
}

type pendingTx struct {
	tx     ledger.Tx
	effect func() (revert string, logs []*types.Log)
}

// Fake is a deterministic single-process chain. Transactions are mined on
// submission unless HoldReceipts is set.
type Fake struct {
	mu sync.Mutex

	chainID int64
	from    common.Address
	factory common.Address
	nonce   uint64

	vaults      map[common.Address]*Vault
	markets     map[common.Hash]common.Address
	commitments map[common.Hash]common.Hash
	receipts    map[common.Hash]*types.Receipt
	reverts     map[common.Hash]string
	pending     []pendingTx
	failNext    map[string]error
	lostAck     map[string]bool
	calls       map[string]int

	// HoldReceipts leaves submitted transactions unmined until Mine.
	HoldReceipts bool
	// OmitCreatedEvent mines createMarket without its creation event.
	OmitCreatedEvent bool
	// SubmitDelay is slept inside every submission, widening race windows.
	SubmitDelay time.Duration
}

// New returns an empty fake chain.
func New(chainID int64) *Fake {
	return &Fake{
		chainID:     chainID,
		from:        common.HexToAddress("0x00000000000000000000000000000000000000b0"),
		factory:     common.HexToAddress("0x00000000000000000000000000000000000000fa"),
		vaults:      make(map[common.Address]*Vault),
		markets:     make(map[common.Hash]common.Address),
		commitments: make(map[common.Hash]common.Hash),
		receipts:    make(map[common.Hash]*types.Receipt),
		reverts:     make(map[common.Hash]string),
		failNext:    make(map[string]error),
		lostAck:     make(map[string]bool),
		calls:       make(map[string]int),
	}
}

// ChainID returns the simulated chain id.
func (f *Fake) ChainID() int64 { return f.chainID }

// From returns the simulated backend signer.
func (f *Fake) From() common.Address { return f.from }

// Factory returns the address that emits creation events.
func (f *Fake) Factory() common.Address { return f.factory }

// FailNext makes the next call to method return err.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[method] = err
}

// LoseAck makes the next submission of method reach the pool unmined while
// the caller sees a send error carrying the transaction.
func (f *Fake) LoseAck(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostAck[method] = true
}

// DropHeld discards every held transaction, as a node evicting them from its
// pool would.
func (f *Fake) DropHeld() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
}

// Calls returns how many times method was submitted successfully.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Fund sets the collateral balance of vault.
func (f *Fake) Fund(vault common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vault(vault).Balance = new(big.Int).Set(amount)
}

// SettleExternally settles vault as another actor would.
func (f *Fake) SettleExternally(vault common.Address, side domain.Side) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.vault(vault)
	v.State = domain.VaultSettled
	v.Side = side
}

// Vault returns a copy of the simulated vault.
func (f *Fake) Vault(addr common.Address) Vault {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.vault(addr)
}

// Commitment returns the stored verifier commitment.
func (f *Fake) Commitment(id common.Hash) common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitments[id]
}

// Mine applies every held transaction in submission order.
func (f *Fake) Mine() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pending {
		f.mine(p)
	}
	f.pending = nil
}

func (f *Fake) vault(addr common.Address) *Vault {
	v, ok := f.vaults[addr]
	if !ok {
		v = &Vault{Balance: new(big.Int)}
		f.vaults[addr] = v
	}
	return v
}

func (f *Fake) takeFailure(method string) error {
	if err, ok := f.failNext[method]; ok {
		delete(f.failNext, method)
		return err
	}
	return nil
}

func (f *Fake) submit(method string, effect func() (string, []*types.Log)) (ledger.Tx, error) {
	f.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], f.nonce)
	tx := ledger.Tx{
		Hash:        crypto.Keccak256Hash([]byte("tx"), buf[:]),
		Contract:    "fake",
		Method:      method,
		SubmittedAt: time.Now().UTC(),
	}
	f.calls[method]++
	lost := f.lostAck[method]
	delete(f.lostAck, method)
	p := pendingTx{tx: tx, effect: effect}
	if f.HoldReceipts || lost {
		f.pending = append(f.pending, p)
	} else {
		f.mine(p)
	}
	if lost {
		return tx, fmt.Errorf("ledgertest: send %s: %w", tx.Hash.Hex(), domain.ErrReceiptTimeout)
	}
	return tx, nil
}

func (f *Fake) held(hash common.Hash) bool {
	for _, p := range f.pending {
		if p.tx.Hash == hash {
			return true
		}
	}
	return false
}

func (f *Fake) mine(p pendingTx) {
	revert, logs := p.effect()
	status := types.ReceiptStatusSuccessful
	if revert != "" {
		status = types.ReceiptStatusFailed
		logs = nil
	}
	for _, l := range logs {
		l.TxHash = p.tx.Hash
	}
	f.receipts[p.tx.Hash] = &types.Receipt{
		Status:      status,
		TxHash:      p.tx.Hash,
		Logs:        logs,
		BlockNumber: big.NewInt(int64(f.nonce)),
	}
	if revert != "" {
		f.reverts[p.tx.Hash] = revert
	}
}

func (f *Fake) delay() {
	if f.SubmitDelay > 0 {
		time.Sleep(f.SubmitDelay)
	}
}

// CreateMarket simulates factory.createMarket.
func (f *Fake) CreateMarket(_ context.Context, eventID, description string, closeTimestamp int64) (ledger.Tx, error) {
	f.delay()
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("CreateMarket"); err != nil {
		return ledger.Tx{}, err
	}
	seq := f.nonce + 1
	id := crypto.Keccak256Hash([]byte(eventID), []byte(description), big.NewInt(closeTimestamp).Bytes(), big.NewInt(int64(seq)).Bytes())
	vault := common.BytesToAddress(crypto.Keccak256([]byte("vault"), id[:])[12:])
	omit := f.OmitCreatedEvent
	return f.submit("CreateMarket", func() (string, []*types.Log) {
		f.markets[id] = vault
		f.vault(vault)
		if omit {
			return "", nil
		}
		lg, err := ledger.MarketCreatedLog(f.factory, id, vault, closeTimestamp)
		if err != nil {
			panic(err)
		}
		return "", []*types.Log{lg}
	})
}

// DecodeMarketCreated decodes with the production decoder.
func (f *Fake) DecodeMarketCreated(receipt *types.Receipt) (ledger.MarketCreated, error) {
	return ledger.DecodeMarketCreated(ledger.FactoryABI(), receipt, f.factory)
}

// CommitScore simulates verifier.commitAI.
func (f *Fake) CommitScore(_ context.Context, onChainID, commitment common.Hash) (ledger.Tx, error) {
	f.delay()
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("CommitScore"); err != nil {
		return ledger.Tx{}, err
	}
	if _, ok := f.markets[onChainID]; !ok {
		return ledger.Tx{}, &ledger.RevertError{Method: "commitAI", Reason: "Verifier: unknown market"}
	}
	return f.submit("CommitScore", func() (string, []*types.Log) {
		if _, ok := f.commitments[onChainID]; ok {
			return "Verifier: already committed", nil
		}
		f.commitments[onChainID] = commitment
		return "", nil
	})
}

// GetCommitment reads the stored commitment.
func (f *Fake) GetCommitment(_ context.Context, onChainID common.Hash) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("GetCommitment"); err != nil {
		return common.Hash{}, err
	}
	return f.commitments[onChainID], nil
}

// Allocate simulates vault.allocateLiquidity.
func (f *Fake) Allocate(_ context.Context, vault common.Address, yes, no *big.Int) (ledger.Tx, error) {
	f.delay()
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("Allocate"); err != nil {
		return ledger.Tx{}, err
	}
	yes, no = new(big.Int).Set(yes), new(big.Int).Set(no)
	return f.submit("Allocate", func() (string, []*types.Log) {
		v := f.vault(vault)
		if v.State == domain.VaultSettled {
			return "Vault: already settled", nil
		}
		if new(big.Int).Add(yes, no).Cmp(v.Balance) > 0 {
			return "Vault: insufficient balance", nil
		}
		v.YesAmount, v.NoAmount = yes, no
		return "", nil
	})
}

// Settle simulates adapter.pushOutcome. A vault that is already settled
// reverts during estimation, as a real node would.
func (f *Fake) Settle(_ context.Context, onChainID common.Hash, side domain.Side) (ledger.Tx, error) {
	f.delay()
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("Settle"); err != nil {
		return ledger.Tx{}, err
	}
	vault, ok := f.markets[onChainID]
	if !ok {
		return ledger.Tx{}, &ledger.RevertError{Method: "pushOutcome", Reason: "Adapter: unknown market"}
	}
	if f.vault(vault).State == domain.VaultSettled {
		return ledger.Tx{}, &ledger.RevertError{Method: "pushOutcome", Reason: "Vault: already settled"}
	}
	return f.submit("Settle", func() (string, []*types.Log) {
		v := f.vault(vault)
		if v.State == domain.VaultSettled {
			return "Vault: already settled", nil
		}
		v.State = domain.VaultSettled
		v.Side = side
		return "", nil
	})
}

// VaultBalance reads the simulated balance.
func (f *Fake) VaultBalance(_ context.Context, vault common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("VaultBalance"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.vault(vault).Balance), nil
}

// VaultState reads the simulated state.
func (f *Fake) VaultState(_ context.Context, vault common.Address) (domain.VaultState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("VaultState"); err != nil {
		return 0, err
	}
	return f.vault(vault).State, nil
}

// WinningSide reads the simulated outcome.
func (f *Fake) WinningSide(_ context.Context, vault common.Address) (domain.Side, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("WinningSide"); err != nil {
		return 0, err
	}
	return f.vault(vault).Side, nil
}

// AwaitReceipt returns the receipt if mined, otherwise times out at once.
func (f *Fake) AwaitReceipt(ctx context.Context, tx ledger.Tx) (*types.Receipt, error) {
	r, mined, err := f.PollReceipt(ctx, tx)
	if err != nil && !errors.Is(err, domain.ErrTxDropped) {
		return r, err
	}
	if !mined {
		return nil, fmt.Errorf("ledgertest: await %s: %w", tx.Hash.Hex(), domain.ErrReceiptTimeout)
	}
	return r, nil
}

// PollReceipt reports the receipt of tx if it has been mined. A hash that is
// neither mined nor held is reported as dropped.
func (f *Fake) PollReceipt(_ context.Context, tx ledger.Tx) (*types.Receipt, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("PollReceipt"); err != nil {
		return nil, false, err
	}
	r, ok := f.receipts[tx.Hash]
	if !ok {
		if f.held(tx.Hash) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("ledgertest: poll %s: %w", tx.Hash.Hex(), domain.ErrTxDropped)
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return r, true, &ledger.RevertError{Method: tx.Method, Reason: f.reverts[tx.Hash], TxHash: tx.Hash}
	}
	return r, true, nil
}
