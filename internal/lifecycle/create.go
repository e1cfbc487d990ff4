package lifecycle

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclex/internal/domain"
	"github.com/alanyoungcy/oraclex/internal/identity"
)

// Create validates the terms, derives the pre-deployment id and persists a
// new market. Identical terms a second time are a conflict.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (domain.Market, error) {
	now := e.now()
	if err := e.validateTerms(req, now); err != nil {
		return domain.Market{}, fmt.Errorf("lifecycle: create: %w", err)
	}

	creator, err := e.creator(req)
	if err != nil {
		return domain.Market{}, fmt.Errorf("lifecycle: create: %w", err)
	}
	terms := domain.Terms{
		EventID:        req.EventID,
		Description:    req.Description,
		CloseTimestamp: req.CloseTimestamp,
		CreatorAddress: creator,
		ChainID:        e.ledger.ChainID(),
	}
	if req.CreatorAddress != "" {
		if err := e.checkSignature(terms, req.Signature); err != nil {
			return domain.Market{}, fmt.Errorf("lifecycle: create: %w", err)
		}
	}

	id, err := identity.DeriveID(terms)
	if err != nil {
		return domain.Market{}, fmt.Errorf("lifecycle: create: %w", err)
	}

	m, err := e.store.Create(ctx, domain.Market{
		PreDeployID: id.Hash,
		Terms:       terms,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("lifecycle: create %s: %w", id, err)
	}

	e.cacheSet(ctx, m)
	e.emit(ctx, domain.EventMarketCreated, m, map[string]any{
		"event_id": m.EventID,
		"creator":  m.CreatorAddress.Hex(),
	})
	e.logTransition(ctx, "market created", m, common.Hash{})
	return m, nil
}

// creator returns the address recorded as the market creator. Without an
// explicit creator the backend signer creates the market, unless signatures
// are mandatory.
func (e *Engine) creator(req CreateRequest) (common.Address, error) {
	if req.CreatorAddress == "" {
		if e.cfg.RequireSignature {
			return common.Address{}, fmt.Errorf("%w: 'creatorAddress' and 'signature' are required", domain.ErrValidation)
		}
		return e.ledger.From(), nil
	}
	return identity.ParseAddress(req.CreatorAddress)
}

func (e *Engine) checkSignature(terms domain.Terms, sig string) error {
	if sig == "" {
		return fmt.Errorf("%w: 'signature' is required with 'creatorAddress'", domain.ErrUnauthorized)
	}
	if e.verify == nil {
		return fmt.Errorf("%w: no signature verifier configured", domain.ErrUnauthorized)
	}
	if !e.verify(terms.CreatorAddress, identity.CreateMessage(terms), common.FromHex(sig)) {
		return fmt.Errorf("%w: signer does not match %s", domain.ErrUnauthorized, terms.CreatorAddress.Hex())
	}
	return nil
}
