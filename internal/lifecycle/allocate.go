package lifecycle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/ledger"
)

// AllocateResult describes a confirmed allocation. The display amounts are
// the raw token amounts scaled by the collateral decimals.
type AllocateResult struct {
	Market     domain.Market `json:"market"`
	Balance    *big.Int      `json:"balance"`
	YesAmount  *big.Int      `json:"yesAmount"`
	NoAmount   *big.Int      `json:"noAmount"`
	YesDisplay string        `json:"yesDisplay"`
	NoDisplay  string        `json:"noDisplay"`
}

// Split divides balance into a YES share of floor(balance*p/100) and a NO
// share of the remainder. The shares always sum to balance.
func Split(balance *big.Int, probability int) (yes, no *big.Int) {
	yes = new(big.Int).Mul(balance, big.NewInt(int64(probability)))
	yes.Quo(yes, big.NewInt(100))
	no = new(big.Int).Sub(balance, yes)
	return yes, no
}

// Allocate splits the vault's collateral by the committed probability and
// submits the allocation.
func (e *Engine) Allocate(ctx context.Context, ref Ref) (AllocateResult, error) {
	m, unlock, err := e.acquire(ctx, ref)
	if err != nil {
		return AllocateResult{}, err
	}
	defer unlock()

	if m, err = e.settlePending(ctx, m); err != nil {
		return AllocateResult{Market: m}, err
	}
	switch {
	case m.YesAmount != nil:
		return e.allocateResult(m, nil), fmt.Errorf("lifecycle: allocate %s: %w", m.CanonicalID(), domain.ErrAlreadyAllocated)
	case m.WinningSide != nil:
		return AllocateResult{Market: m}, fmt.Errorf("lifecycle: allocate %s: %w", m.CanonicalID(), domain.ErrSettled)
	case m.VaultAddress == nil:
		return AllocateResult{Market: m}, fmt.Errorf("lifecycle: allocate %s: %w", m.CanonicalID(), domain.ErrNotDeployed)
	case m.Probability == nil:
		return AllocateResult{Market: m}, fmt.Errorf("lifecycle: allocate %s: %w", m.CanonicalID(), domain.ErrNotScored)
	}

	balance, err := e.ledger.VaultBalance(ctx, *m.VaultAddress)
	if err != nil {
		return AllocateResult{Market: m}, fmt.Errorf("lifecycle: allocate: read balance: %w", err)
	}
	if balance.Sign() <= 0 {
		return AllocateResult{Market: m}, fmt.Errorf("lifecycle: allocate %s: %w", m.CanonicalID(), domain.ErrNothingToAllocate)
	}
	yes, no := Split(balance, *m.Probability)

	tx, err := e.ledger.Allocate(ctx, *m.VaultAddress, yes, no)
	if err != nil && !broadcastUnknown(tx, err) {
		return AllocateResult{Market: m}, e.submitFailed(ctx, m, "allocate", err)
	}
	pending := domain.PendingTx{
		Op:          domain.PendingAllocate,
		TxHash:      tx.Hash,
		SubmittedAt: tx.SubmittedAt,
		YesAmount:   yes,
		NoAmount:    no,
	}

	if _, err := e.ledger.AwaitReceipt(ctx, tx); err != nil {
		if _, ok := ledger.AsRevert(err); ok {
			m, err = e.recordFailure(ctx, m, "allocate", err)
			return AllocateResult{Market: m}, err
		}
		m, err = e.markPending(ctx, m, pending, err)
		return AllocateResult{Market: m}, err
	}

	m, err = e.finishAllocate(ctx, m, pending)
	if err != nil {
		return AllocateResult{Market: m}, err
	}
	return e.allocateResult(m, balance), nil
}

func (e *Engine) finishAllocate(ctx context.Context, m domain.Market, p domain.PendingTx) (domain.Market, error) {
	ctx = context.WithoutCancel(ctx)
	m.Pending = nil
	m.YesAmount = new(big.Int).Set(p.YesAmount)
	m.NoAmount = new(big.Int).Set(p.NoAmount)
	m.AllocateTx = p.TxHash
	m.LastError = ""

	updated, err := e.save(ctx, m)
	if err != nil {
		return m, err
	}
	e.emit(ctx, domain.EventMarketAllocated, updated, map[string]any{
		"tx_hash":    p.TxHash.Hex(),
		"yes_amount": p.YesAmount.String(),
		"no_amount":  p.NoAmount.String(),
	})
	e.logTransition(ctx, "market allocated", updated, p.TxHash)
	return updated, nil
}

func (e *Engine) allocateResult(m domain.Market, balance *big.Int) AllocateResult {
	if balance == nil && m.YesAmount != nil && m.NoAmount != nil {
		balance = new(big.Int).Add(m.YesAmount, m.NoAmount)
	}
	return AllocateResult{
		Market:     m,
		Balance:    balance,
		YesAmount:  m.YesAmount,
		NoAmount:   m.NoAmount,
		YesDisplay: e.display(m.YesAmount),
		NoDisplay:  e.display(m.NoAmount),
	}
}

// display renders a raw token amount in whole-token units.
func (e *Engine) display(v *big.Int) string {
	if v == nil {
		return ""
	}
	return decimal.NewFromBigInt(v, -e.cfg.TokenDecimals).String()
}
