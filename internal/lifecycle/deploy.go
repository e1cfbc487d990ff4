package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/identity"
	"github.com/alanyoungcy/oraclex/internal/ledger"
)

// Deploy creates the market on the ledger and binds the ledger-assigned id
// and vault to the record. A market that already has a vault is never
// deployed again.
func (e *Engine) Deploy(ctx context.Context, ref Ref) (domain.Market, error) {
	m, unlock, err := e.acquire(ctx, ref)
	if err != nil {
		return domain.Market{}, err
	}
	defer unlock()

	if m, err = e.settlePending(ctx, m); err != nil {
		return m, err
	}
	switch {
	case m.VaultAddress != nil:
		return m, fmt.Errorf("lifecycle: deploy %s: %w", m.CanonicalID(), domain.ErrAlreadyDeployed)
	case m.NeedsReview:
		return m, fmt.Errorf("lifecycle: deploy %s: %w: %s", m.CanonicalID(), domain.ErrNeedsReview, m.DeployError)
	}
	if err := e.validateTerms(requestFromTerms(m.Terms), e.now()); err != nil {
		return m, fmt.Errorf("lifecycle: deploy: %w", err)
	}

	tx, err := e.ledger.CreateMarket(ctx, m.EventID, m.Description, m.CloseTimestamp)
	if err != nil && !broadcastUnknown(tx, err) {
		if domain.KindOf(err) == domain.KindLedgerFatal {
			return e.deployFailed(ctx, m, common.Hash{}, err)
		}
		return m, fmt.Errorf("lifecycle: deploy: %w", err)
	}

	receipt, err := e.ledger.AwaitReceipt(ctx, tx)
	if err != nil {
		if _, ok := ledger.AsRevert(err); ok {
			return e.deployFailed(ctx, m, tx.Hash, err)
		}
		return e.markPending(ctx, m, domain.PendingTx{
			Op:          domain.PendingDeploy,
			TxHash:      tx.Hash,
			SubmittedAt: tx.SubmittedAt,
		}, err)
	}
	return e.finishDeploy(ctx, m, tx.Hash, receipt)
}

// finishDeploy applies a mined creation receipt. A successful receipt
// without a decodable creation event means a market may exist on-chain that
// this record cannot reach, so the record is flagged for review instead of
// being deployed a second time.
func (e *Engine) finishDeploy(ctx context.Context, m domain.Market, txHash common.Hash, receipt *types.Receipt) (domain.Market, error) {
	ctx = context.WithoutCancel(ctx)
	base := m.Clone()
	base.Pending = nil

	created, err := e.ledger.DecodeMarketCreated(receipt)
	if err != nil {
		base.NeedsReview = true
		return e.deployFailed(ctx, base, txHash, err)
	}

	now := e.now().UTC()
	next := base.Clone()
	vault := created.Vault
	next.VaultAddress = &vault
	next.DeployTx = txHash
	next.DeployedAt = &now
	next.DeployError = ""
	next.LastError = ""

	updated, err := identity.Remap(ctx, e.store, next, created.MarketID)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityConflict) {
			base.NeedsReview = true
			return e.deployFailed(ctx, base, txHash, err)
		}
		return m, fmt.Errorf("lifecycle: deploy: %w", err)
	}
	e.cacheSet(ctx, updated)
	e.emit(ctx, domain.EventMarketDeployed, updated, map[string]any{
		"tx_hash":       txHash.Hex(),
		"vault_address": vault.Hex(),
	})
	e.logTransition(ctx, "market deployed", updated, txHash)
	return updated, nil
}

func (e *Engine) deployFailed(ctx context.Context, m domain.Market, txHash common.Hash, cause error) (domain.Market, error) {
	if txHash != (common.Hash{}) {
		m.DeployTx = txHash
	}
	saved, err := e.recordFailure(ctx, m, "deploy", cause)
	e.emit(context.WithoutCancel(ctx), domain.EventDeployFailed, saved, map[string]any{
		"tx_hash":      txHash.Hex(),
		"error":        cause.Error(),
		"needs_review": saved.NeedsReview,
	})
	return saved, fmt.Errorf("lifecycle: deploy %s: %w", saved.CanonicalID(), err)
}
