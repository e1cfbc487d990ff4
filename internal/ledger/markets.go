package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

// MarketCreated is the decoded factory creation event.
type MarketCreated struct {
	MarketID common.Hash
	Vault    common.Address
}

// CreateMarket submits factory.createMarket.
func (g *Gateway) CreateMarket(ctx context.Context, eventID, description string, closeTimestamp int64) (Tx, error) {
	return g.Submit(ctx, ContractFactory, g.addrs.Factory, "createMarket",
		eventID, description, big.NewInt(closeTimestamp))
}

// DecodeMarketCreated extracts the creation event from a deployment receipt.
func (g *Gateway) DecodeMarketCreated(receipt *types.Receipt) (MarketCreated, error) {
	return DecodeMarketCreated(g.abis[ContractFactory], receipt, g.addrs.Factory)
}

// CommitScore submits verifier.commitAI with an empty auxiliary payload.
func (g *Gateway) CommitScore(ctx context.Context, onChainID, commitment common.Hash) (Tx, error) {
	return g.Submit(ctx, ContractVerifier, g.addrs.Verifier, "commitAI",
		[32]byte(onChainID), [32]byte(commitment), "")
}

// GetCommitment reads the hash the verifier stored for a market.
func (g *Gateway) GetCommitment(ctx context.Context, onChainID common.Hash) (common.Hash, error) {
	out, err := g.ReadState(ctx, ContractVerifier, g.addrs.Verifier, "getCommitment", [32]byte(onChainID))
	if err != nil {
		return common.Hash{}, err
	}
	v, err := single[[32]byte](out, "getCommitment")
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(v), nil
}

// Allocate submits vault.allocateLiquidity.
func (g *Gateway) Allocate(ctx context.Context, vault common.Address, yes, no *big.Int) (Tx, error) {
	return g.Submit(ctx, ContractVault, vault, "allocateLiquidity", yes, no)
}

// Settle pushes the outcome through the oracle adapter.
func (g *Gateway) Settle(ctx context.Context, onChainID common.Hash, side domain.Side) (Tx, error) {
	if !side.Valid() {
		return Tx{}, fmt.Errorf("ledger: settle: %w: winning side %d", domain.ErrValidation, side)
	}
	return g.Submit(ctx, ContractAdapter, g.addrs.Adapter, "pushOutcome",
		[32]byte(onChainID), uint8(side))
}

// VaultBalance reads the collateral balance held by vault.
func (g *Gateway) VaultBalance(ctx context.Context, vault common.Address) (*big.Int, error) {
	out, err := g.ReadState(ctx, ContractCollateral, g.addrs.Collateral, "balanceOf", vault)
	if err != nil {
		return nil, err
	}
	return single[*big.Int](out, "balanceOf")
}

// VaultState reads the vault's settlement state.
func (g *Gateway) VaultState(ctx context.Context, vault common.Address) (domain.VaultState, error) {
	out, err := g.ReadState(ctx, ContractVault, vault, "state")
	if err != nil {
		return 0, err
	}
	v, err := single[uint8](out, "state")
	if err != nil {
		return 0, err
	}
	if v > uint8(domain.VaultSettled) {
		return 0, fmt.Errorf("ledger: state: %w: unknown vault state %d", domain.ErrLedgerFatal, v)
	}
	return domain.VaultState(v), nil
}

// WinningSide reads the recorded outcome. Only meaningful once settled.
func (g *Gateway) WinningSide(ctx context.Context, vault common.Address) (domain.Side, error) {
	out, err := g.ReadState(ctx, ContractVault, vault, "winningSide")
	if err != nil {
		return 0, err
	}
	v, err := single[uint8](out, "winningSide")
	if err != nil {
		return 0, err
	}
	side := domain.Side(v)
	if !side.Valid() {
		return 0, fmt.Errorf("ledger: winningSide: %w: unknown side %d", domain.ErrLedgerFatal, v)
	}
	return side, nil
}

func single[T any](out []any, method string) (T, error) {
	var zero T
	if len(out) != 1 {
		return zero, fmt.Errorf("ledger: %s: %w: want 1 output, got %d", method, domain.ErrLedgerFatal, len(out))
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, fmt.Errorf("ledger: %s: %w: unexpected output type %T", method, domain.ErrLedgerFatal, out[0])
	}
	return v, nil
}
