package lifecycle

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/oraclex/internal/commitment"
	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/ledger"
)

// Score computes the market score at the current time, commits its hash to
// the verifier and persists the score once the commitment is mined. A market
// is scored at most once.
func (e *Engine) Score(ctx context.Context, ref Ref) (domain.Market, error) {
	m, unlock, err := e.acquire(ctx, ref)
	if err != nil {
		return domain.Market{}, err
	}
	defer unlock()

	if m, err = e.settlePending(ctx, m); err != nil {
		return m, err
	}
	switch {
	case m.Probability != nil:
		return m, fmt.Errorf("lifecycle: score %s: %w", m.CanonicalID(), domain.ErrAlreadyScored)
	case m.VaultAddress == nil || m.OnChainID == nil:
		return m, fmt.Errorf("lifecycle: score %s: %w", m.CanonicalID(), domain.ErrNotDeployed)
	case m.WinningSide != nil:
		return m, fmt.Errorf("lifecycle: score %s: %w", m.CanonicalID(), domain.ErrSettled)
	}

	now := e.now().UTC()
	res := commitment.Score(commitment.Input{
		EventID:     m.EventID,
		Description: m.Description,
		Timestamp:   now.Unix(),
		ChainID:     m.ChainID,
	})
	pending := domain.PendingTx{
		Op:             domain.PendingScore,
		Probability:    res.Probability,
		Explanation:    res.Explanation,
		CommitmentHash: res.Hash,
		ScoredAt:       now.Unix(),
	}

	tx, err := e.ledger.CommitScore(ctx, *m.OnChainID, res.Hash)
	if err != nil && !broadcastUnknown(tx, err) {
		return m, e.submitFailed(ctx, m, "score", err)
	}
	pending.TxHash = tx.Hash
	pending.SubmittedAt = tx.SubmittedAt

	if _, err := e.ledger.AwaitReceipt(ctx, tx); err != nil {
		if _, ok := ledger.AsRevert(err); ok {
			return e.recordFailure(ctx, m, "score", err)
		}
		return e.markPending(ctx, m, pending, err)
	}
	return e.finishScore(ctx, m, pending)
}

func (e *Engine) finishScore(ctx context.Context, m domain.Market, p domain.PendingTx) (domain.Market, error) {
	ctx = context.WithoutCancel(ctx)
	prob, hash, at := p.Probability, p.CommitmentHash, p.ScoredAt
	m.Pending = nil
	m.Probability = &prob
	m.Explanation = p.Explanation
	m.AICommitmentHash = &hash
	m.ScoredAt = &at
	m.ScoreTx = p.TxHash
	m.LastError = ""

	updated, err := e.save(ctx, m)
	if err != nil {
		return m, err
	}
	e.emit(ctx, domain.EventMarketScored, updated, map[string]any{
		"tx_hash":            p.TxHash.Hex(),
		"probability":        prob,
		"ai_commitment_hash": hash.Hex(),
	})
	e.logTransition(ctx, "market scored", updated, p.TxHash)
	return updated, nil
}
