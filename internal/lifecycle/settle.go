package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/ledger"
)

// SettleResult is returned for both a fresh settlement and a repeated one.
type SettleResult struct {
	Market         domain.Market `json:"market"`
	WinningSide    domain.Side   `json:"winningSide"`
	AlreadySettled bool          `json:"alreadySettled"`
	TxHash         common.Hash   `json:"txHash,omitempty"`
}

// Settle pushes the outcome for a deployed market. Once the vault reports
// settled, every later call returns the recorded outcome without submitting
// anything, whatever side it asks for. Losing a race to another settler is
// reported the same way.
func (e *Engine) Settle(ctx context.Context, ref Ref, side domain.Side) (SettleResult, error) {
	m, unlock, err := e.acquire(ctx, ref)
	if err != nil {
		return SettleResult{}, err
	}
	defer unlock()

	if m, err = e.settlePending(ctx, m); err != nil {
		if errors.Is(err, domain.ErrTxInFlight) {
			return e.settleBehindPending(ctx, m, err)
		}
		return SettleResult{Market: m}, err
	}
	if m.WinningSide != nil {
		return settledResult(m, true), nil
	}
	if m.VaultAddress == nil {
		return SettleResult{Market: m}, fmt.Errorf("lifecycle: settle %s: %w", m.CanonicalID(), domain.ErrNotDeployed)
	}

	state, err := e.ledger.VaultState(ctx, *m.VaultAddress)
	if err != nil {
		return SettleResult{Market: m}, fmt.Errorf("lifecycle: settle: read vault state: %w", err)
	}
	if state == domain.VaultSettled {
		return e.adoptSettlement(ctx, m, nil)
	}

	if m.OnChainID == nil {
		return SettleResult{Market: m}, fmt.Errorf("lifecycle: settle %s: %w: no on-chain id", m.CanonicalID(), domain.ErrNotDeployed)
	}
	if !side.Valid() {
		return SettleResult{Market: m}, fmt.Errorf("lifecycle: settle: %w: winningSide must be 0 (NO) or 1 (YES)", domain.ErrValidation)
	}

	tx, err := e.ledger.Settle(ctx, *m.OnChainID, side)
	if err != nil && !broadcastUnknown(tx, err) {
		if re, ok := ledger.AsRevert(err); ok && re.AlreadySettled() {
			return e.adoptSettlement(ctx, m, err)
		}
		return SettleResult{Market: m}, e.submitFailed(ctx, m, "settle", err)
	}

	if _, err := e.ledger.AwaitReceipt(ctx, tx); err != nil {
		if re, ok := ledger.AsRevert(err); ok {
			if re.AlreadySettled() {
				return e.adoptSettlement(ctx, m, err)
			}
			m, err = e.recordFailure(ctx, m, "settle", err)
			return SettleResult{Market: m}, err
		}
		s := side
		m, err = e.markPending(ctx, m, domain.PendingTx{
			Op:          domain.PendingSettle,
			TxHash:      tx.Hash,
			SubmittedAt: tx.SubmittedAt,
			WinningSide: &s,
		}, err)
		return SettleResult{Market: m}, err
	}

	m, err = e.finishSettle(ctx, m, tx.Hash, side, "")
	if err != nil {
		return SettleResult{Market: m}, err
	}
	res := settledResult(m, false)
	res.TxHash = tx.Hash
	return res, nil
}

// settleBehindPending answers a settle request while another transaction for
// the market is unmined. A vault that is already settled is authoritative, so
// its outcome is adopted; otherwise the in-flight error stands.
func (e *Engine) settleBehindPending(ctx context.Context, m domain.Market, inFlight error) (SettleResult, error) {
	if m.WinningSide != nil {
		return settledResult(m, true), nil
	}
	if m.VaultAddress == nil {
		return SettleResult{Market: m}, inFlight
	}
	state, err := e.ledger.VaultState(ctx, *m.VaultAddress)
	if err != nil || state != domain.VaultSettled {
		return SettleResult{Market: m}, inFlight
	}
	return e.adoptSettlement(ctx, m, nil)
}

// adoptSettlement records an outcome that reached the ledger without this
// engine's transaction confirming it. cause is the revert that pointed at a
// lost race; if the vault turns out not to be settled it is recorded as a
// failure.
func (e *Engine) adoptSettlement(ctx context.Context, m domain.Market, cause error) (SettleResult, error) {
	ctx = context.WithoutCancel(ctx)
	state, err := e.ledger.VaultState(ctx, *m.VaultAddress)
	if err != nil {
		return SettleResult{Market: m}, fmt.Errorf("lifecycle: settle: read vault state: %w", err)
	}
	if state != domain.VaultSettled {
		if cause == nil {
			cause = fmt.Errorf("lifecycle: settle %s: %w: vault is %s", m.CanonicalID(), domain.ErrLedgerFatal, state)
		}
		m, err = e.recordFailure(ctx, m, "settle", cause)
		return SettleResult{Market: m}, err
	}
	side, err := e.ledger.WinningSide(ctx, *m.VaultAddress)
	if err != nil {
		return SettleResult{Market: m}, fmt.Errorf("lifecycle: settle: read winning side: %w", err)
	}
	m, err = e.finishSettle(ctx, m, common.Hash{}, side, "ledger")
	if err != nil {
		return SettleResult{Market: m}, err
	}
	return settledResult(m, true), nil
}

func (e *Engine) finishSettle(ctx context.Context, m domain.Market, txHash common.Hash, side domain.Side, source string) (domain.Market, error) {
	ctx = context.WithoutCancel(ctx)
	now := e.now().UTC()
	s := side
	// An unmined score or allocation stays tracked after an adopted outcome.
	if m.Pending != nil && m.Pending.Op == domain.PendingSettle {
		m.Pending = nil
	}
	m.WinningSide = &s
	m.SettledAt = &now
	m.LastError = ""
	if txHash != (common.Hash{}) {
		m.SettleTx = txHash
	}

	updated, err := e.save(ctx, m)
	if err != nil {
		return m, err
	}
	detail := map[string]any{
		"tx_hash":      txHash.Hex(),
		"winning_side": side.String(),
	}
	if source != "" {
		detail["source"] = source
	}
	e.emit(ctx, domain.EventMarketSettled, updated, detail)
	e.logTransition(ctx, "market settled", updated, txHash)
	return updated, nil
}

func settledResult(m domain.Market, already bool) SettleResult {
	return SettleResult{
		Market:         m,
		WinningSide:    *m.WinningSide,
		AlreadySettled: already,
		TxHash:         m.SettleTx,
	}
}
