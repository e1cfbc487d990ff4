package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/identity"
)

const scanPageSize = 500

// Ref names a market the way a caller knows it: by either identifier, or by
// the raw terms it was created with.
type Ref struct {
	ID    string
	Terms *domain.Terms
}

// Resolve finds the market behind ref. A well-formed on-chain id is tried
// first, then a case-insensitive scan of known ids, then the pre-deployment
// id derived from the raw terms.
func (e *Engine) Resolve(ctx context.Context, ref Ref) (domain.Market, error) {
	id := strings.TrimSpace(ref.ID)

	if domain.LooksOnChain(id) {
		h, _ := domain.ParseHash(id)
		m, err := e.lookup(ctx, h)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Market{}, err
		}
	}

	if id != "" {
		m, err := e.scan(ctx, id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Market{}, err
		}
	}

	if ref.Terms != nil {
		terms := *ref.Terms
		if terms.ChainID == 0 {
			terms.ChainID = e.ledger.ChainID()
		}
		if terms.CreatorAddress == (common.Address{}) {
			terms.CreatorAddress = e.ledger.From()
		}
		derived, err := identity.DeriveID(terms)
		if err != nil {
			return domain.Market{}, fmt.Errorf("lifecycle: resolve: %w", err)
		}
		return e.lookup(ctx, derived.Hash)
	}

	return domain.Market{}, fmt.Errorf("lifecycle: resolve %q: %w", id, domain.ErrNotFound)
}

// Get is Resolve for read-only callers.
func (e *Engine) Get(ctx context.Context, ref Ref) (domain.Market, error) {
	return e.Resolve(ctx, ref)
}

// List returns markets newest first.
func (e *Engine) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	ms, err := e.store.ListAll(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list: %w", err)
	}
	return ms, nil
}

// lookup reads through the cache and coalesces concurrent store reads for
// the same id.
func (e *Engine) lookup(ctx context.Context, h common.Hash) (domain.Market, error) {
	if e.cache != nil {
		if m, err := e.cache.Get(ctx, h); err == nil {
			return m, nil
		}
	}
	v, err, _ := e.flight.Do(h.Hex(), func() (any, error) {
		m, err := e.store.Get(ctx, h)
		if err != nil {
			return nil, err
		}
		e.cacheSet(ctx, m)
		return m, nil
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("lifecycle: resolve %s: %w", domain.CanonicalHex(h), err)
	}
	return v.(domain.Market).Clone(), nil
}

// scan compares id against every known identifier, ignoring case and an
// optional 0x prefix.
func (e *Engine) scan(ctx context.Context, id string) (domain.Market, error) {
	want := strings.TrimPrefix(strings.ToLower(id), "0x")
	matches := func(h common.Hash) bool {
		return strings.EqualFold(strings.TrimPrefix(domain.CanonicalHex(h), "0x"), want)
	}

	for offset := 0; ; offset += scanPageSize {
		page, err := e.store.ListAll(ctx, domain.ListOpts{Limit: scanPageSize, Offset: offset})
		if err != nil {
			return domain.Market{}, fmt.Errorf("lifecycle: resolve: scan: %w", err)
		}
		for _, m := range page {
			if matches(m.PreDeployID) || (m.OnChainID != nil && matches(*m.OnChainID)) {
				return m, nil
			}
		}
		if len(page) < scanPageSize {
			return domain.Market{}, fmt.Errorf("lifecycle: resolve %q: %w", id, domain.ErrNotFound)
		}
	}
}

// History returns the audit trail of one market, oldest first.
func (e *Engine) History(ctx context.Context, ref Ref, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	m, err := e.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if e.audit == nil {
		return []domain.AuditEntry{}, nil
	}
	entries, err := e.audit.ListForMarket(ctx, m.PreDeployID, opts)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: history %s: %w", m.CanonicalID(), err)
	}
	return entries, nil
}
