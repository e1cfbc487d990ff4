package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclex/internal/commitment"
	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/ledger"
)

// settlePending finishes or clears a transaction left outstanding by an
// earlier receipt timeout. While it is still unmined the market accepts no
// new ledger operation. A transaction the node stops knowing about is
// cleared after cfg.DropAfterPolls polls in a row.
func (e *Engine) settlePending(ctx context.Context, m domain.Market) (domain.Market, error) {
	if m.Pending == nil {
		return m, nil
	}
	p := *m.Pending
	tx := ledger.Tx{Hash: p.TxHash, Method: string(p.Op), SubmittedAt: p.SubmittedAt}

	receipt, mined, err := e.ledger.PollReceipt(ctx, tx)
	if errors.Is(err, domain.ErrTxDropped) {
		return e.pendingMissing(ctx, m, p, err)
	}
	if err != nil {
		re, ok := ledger.AsRevert(err)
		if !ok {
			return m, fmt.Errorf("lifecycle: poll %s %s: %w", p.Op, p.TxHash.Hex(), err)
		}
		m.Pending = nil
		switch {
		case p.Op == domain.PendingDeploy:
			m, err = e.deployFailed(ctx, m, p.TxHash, err)
		case p.Op == domain.PendingSettle && re.AlreadySettled():
			var res SettleResult
			res, err = e.adoptSettlement(ctx, m, err)
			m = res.Market
		default:
			m, err = e.recordFailure(ctx, m, string(p.Op), err)
		}
		return m, err
	}
	if !mined {
		if p.Misses > 0 {
			p.Misses = 0
			m.Pending = &p
			saved, err := e.save(context.WithoutCancel(ctx), m)
			if err != nil {
				return m, err
			}
			m = saved
		}
		return m, fmt.Errorf("lifecycle: %s %s: %w", p.Op, p.TxHash.Hex(), domain.ErrTxInFlight)
	}

	e.logger.InfoContext(ctx, "pending transaction mined",
		slog.String("op", string(p.Op)),
		slog.String("market_id", m.CanonicalID().String()),
		slog.String("tx_hash", p.TxHash.Hex()),
	)
	switch p.Op {
	case domain.PendingDeploy:
		return e.finishDeploy(ctx, m, p.TxHash, receipt)
	case domain.PendingScore:
		return e.finishScore(ctx, m, p)
	case domain.PendingAllocate:
		return e.finishAllocate(ctx, m, p)
	case domain.PendingSettle:
		if p.WinningSide == nil {
			return m, fmt.Errorf("lifecycle: pending settle %s: %w: missing side", p.TxHash.Hex(), domain.ErrValidation)
		}
		return e.finishSettle(ctx, m, p.TxHash, *p.WinningSide, "")
	default:
		return m, fmt.Errorf("lifecycle: unknown pending op %q", p.Op)
	}
}

// pendingMissing counts a poll that found the pending transaction unknown to
// the node. Below the threshold the market stays blocked; at it the pending
// record is cleared with LastError set so the operation can be retried.
func (e *Engine) pendingMissing(ctx context.Context, m domain.Market, p domain.PendingTx, cause error) (domain.Market, error) {
	ctx = context.WithoutCancel(ctx)
	p.Misses++
	if p.Misses < e.cfg.DropAfterPolls {
		m.Pending = &p
		saved, err := e.save(ctx, m)
		if err != nil {
			return m, err
		}
		return saved, fmt.Errorf("lifecycle: %s %s: %w", p.Op, p.TxHash.Hex(), domain.ErrTxInFlight)
	}

	m.Pending = nil
	m.LastError = fmt.Sprintf("%s: %v", p.Op, cause)
	saved, err := e.save(ctx, m)
	if err != nil {
		return m, err
	}
	e.logger.WarnContext(ctx, "pending transaction dropped",
		slog.String("op", string(p.Op)),
		slog.String("market_id", saved.CanonicalID().String()),
		slog.String("tx_hash", p.TxHash.Hex()),
		slog.Int("polls", p.Misses),
	)
	return saved, fmt.Errorf("lifecycle: %s: %w", p.Op, cause)
}

// ReconcilePending polls every market with an outstanding transaction once.
// It returns how many were resolved.
func (e *Engine) ReconcilePending(ctx context.Context) (int, error) {
	ms, err := e.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: reconcile: %w", err)
	}
	resolved := 0
	for _, m := range ms {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		ok, err := e.reconcileOne(ctx, m.PreDeployID)
		if err != nil {
			e.logger.WarnContext(ctx, "reconcile failed",
				slog.String("market_id", m.CanonicalID().String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

func (e *Engine) reconcileOne(ctx context.Context, id common.Hash) (bool, error) {
	unlock, err := e.lockMarket(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	m, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if m.Pending == nil {
		return false, nil
	}
	_, err = e.settlePending(ctx, m)
	switch {
	case errors.Is(err, domain.ErrTxInFlight):
		return false, nil
	case errors.Is(err, domain.ErrTxDropped):
		return true, nil
	case domain.KindOf(err) == domain.KindLedgerFatal:
		// recorded on the market and alerted
		return true, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// RunReconciler calls ReconcilePending every interval until ctx is done.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.InfoContext(ctx, "pending reconciler started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "pending reconciler stopped")
			return nil
		case <-ticker.C:
			n, err := e.ReconcilePending(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				e.logger.WarnContext(ctx, "reconcile pass failed", slog.String("error", err.Error()))
			}
			if n > 0 {
				e.logger.InfoContext(ctx, "reconciled pending transactions", slog.Int("count", n))
			}
		}
	}
}

// CommitmentReport compares the stored score with a recomputation and with
// the verifier's stored commitment.
type CommitmentReport struct {
	MarketID    string       `json:"marketId"`
	Probability int          `json:"probability"`
	Explanation string       `json:"explanation"`
	Local       common.Hash  `json:"local"`
	Recomputed  common.Hash  `json:"recomputed"`
	OnChain     *common.Hash `json:"onChain,omitempty"`
	Match       bool         `json:"match"`
}

// VerifyCommitment recomputes the commitment hash of a scored market and
// reads the one held by the verifier.
func (e *Engine) VerifyCommitment(ctx context.Context, ref Ref) (CommitmentReport, error) {
	m, err := e.Resolve(ctx, ref)
	if err != nil {
		return CommitmentReport{}, err
	}
	if m.Probability == nil || m.AICommitmentHash == nil {
		return CommitmentReport{}, fmt.Errorf("lifecycle: commitment %s: %w", m.CanonicalID(), domain.ErrNotScored)
	}

	rep := CommitmentReport{
		MarketID:    m.CanonicalID().String(),
		Probability: *m.Probability,
		Explanation: m.Explanation,
		Local:       *m.AICommitmentHash,
		Recomputed:  commitment.Hash(*m.Probability, m.Explanation),
	}
	rep.Match = rep.Local == rep.Recomputed

	if m.OnChainID != nil {
		onChain, err := e.ledger.GetCommitment(ctx, *m.OnChainID)
		if err != nil {
			return rep, fmt.Errorf("lifecycle: commitment: read verifier: %w", err)
		}
		if onChain != (common.Hash{}) {
			rep.OnChain = &onChain
		}
		rep.Match = rep.Match && onChain == rep.Local
	}
	return rep, nil
}
