package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

// Remap binds onChainID to the record so that both the pre-deployment id
// and the on-chain id resolve to it from now on. The record is persisted
// with whatever other changes the caller staged on it.
//
// Binding an id that already belongs to a different market is reported as
// ErrIdentityConflict and nothing is written.
func Remap(ctx context.Context, store domain.MarketStore, record domain.Market, onChainID common.Hash) (domain.Market, error) {
	if record.OnChainID != nil && *record.OnChainID != onChainID {
		return domain.Market{}, fmt.Errorf("identity: remap %s: %w: already bound to %s",
			domain.CanonicalHex(record.PreDeployID), domain.ErrIdentityConflict, domain.CanonicalHex(*record.OnChainID))
	}

	existing, err := store.Get(ctx, onChainID)
	switch {
	case err == nil:
		if existing.PreDeployID != record.PreDeployID {
			return domain.Market{}, fmt.Errorf("identity: remap %s: %w: %s belongs to %s",
				domain.CanonicalHex(record.PreDeployID), domain.ErrIdentityConflict,
				domain.CanonicalHex(onChainID), domain.CanonicalHex(existing.PreDeployID))
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return domain.Market{}, fmt.Errorf("identity: remap: %w", err)
	}

	id := onChainID
	record.OnChainID = &id
	updated, err := store.Update(ctx, record)
	if err != nil {
		return domain.Market{}, fmt.Errorf("identity: remap: %w", err)
	}
	return updated, nil
}
