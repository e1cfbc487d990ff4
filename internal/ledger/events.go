package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

// DecodeMarketCreated returns the first MarketCreated event emitted by
// factory in receipt, or domain.ErrEventNotFound.
func DecodeMarketCreated(factory abi.ABI, receipt *types.Receipt, emitter common.Address) (MarketCreated, error) {
	if receipt == nil {
		return MarketCreated{}, fmt.Errorf("ledger: MarketCreated: %w: nil receipt", domain.ErrEventNotFound)
	}
	events, err := DecodeEvents(factory, receipt, emitter, "MarketCreated")
	if err != nil {
		return MarketCreated{}, fmt.Errorf("ledger: MarketCreated: %w: %v", domain.ErrEventNotFound, err)
	}
	if len(events) == 0 {
		return MarketCreated{}, fmt.Errorf("ledger: MarketCreated in %s: %w", receipt.TxHash.Hex(), domain.ErrEventNotFound)
	}

	ev := events[0]
	id, ok := ev["marketId"].([32]byte)
	if !ok {
		return MarketCreated{}, fmt.Errorf("ledger: MarketCreated: %w: marketId has type %T", domain.ErrEventNotFound, ev["marketId"])
	}
	vault, ok := ev["vault"].(common.Address)
	if !ok {
		return MarketCreated{}, fmt.Errorf("ledger: MarketCreated: %w: vault has type %T", domain.ErrEventNotFound, ev["vault"])
	}
	if vault == (common.Address{}) {
		return MarketCreated{}, fmt.Errorf("ledger: MarketCreated: %w: zero vault address", domain.ErrEventNotFound)
	}
	return MarketCreated{MarketID: common.Hash(id), Vault: vault}, nil
}

// MarketCreatedLog builds the log a factory at emitter would emit. Used by
// fakes and tests to exercise the real decode path.
func MarketCreatedLog(emitter common.Address, marketID common.Hash, vault common.Address, closeTimestamp int64) (*types.Log, error) {
	factory := FactoryABI()
	ev := factory.Events["MarketCreated"]
	data, err := ev.Inputs.NonIndexed().Pack(vault, big.NewInt(closeTimestamp))
	if err != nil {
		return nil, fmt.Errorf("ledger: pack MarketCreated: %w", err)
	}
	return &types.Log{
		Address: emitter,
		Topics:  []common.Hash{ev.ID, marketID},
		Data:    data,
	}, nil
}
