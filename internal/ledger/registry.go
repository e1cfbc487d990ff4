package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ethereum/go-ethereum/common"
)

// Addresses are the deployed contract addresses the engine talks to. The
// vault address is per market and comes from the creation event.
type Addresses struct {
	Factory    common.Address `json:"OracleXMarketFactory"`
	Verifier   common.Address `json:"OracleXVerifier"`
	Adapter    common.Address `json:"OracleXOracleAdapter"`
	Collateral common.Address `json:"USDC"`
}

// Map returns the addresses keyed by contract name.
func (a Addresses) Map() map[string]string {
	return map[string]string{
		ContractFactory:    a.Factory.Hex(),
		ContractVerifier:   a.Verifier.Hex(),
		ContractAdapter:    a.Adapter.Hex(),
		ContractCollateral: a.Collateral.Hex(),
	}
}

// Merge returns a with every zero address filled from fallback.
func (a Addresses) Merge(fallback Addresses) Addresses {
	pick := func(x, y common.Address) common.Address {
		if x == (common.Address{}) {
			return y
		}
		return x
	}
	return Addresses{
		Factory:    pick(a.Factory, fallback.Factory),
		Verifier:   pick(a.Verifier, fallback.Verifier),
		Adapter:    pick(a.Adapter, fallback.Adapter),
		Collateral: pick(a.Collateral, fallback.Collateral),
	}
}

// LoadRegistry reads a deployed.json contract-name-to-address map. A
// missing file yields zero addresses.
func LoadRegistry(path string) (Addresses, error) {
	if path == "" {
		return Addresses{}, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Addresses{}, nil
	}
	if err != nil {
		return Addresses{}, fmt.Errorf("ledger: read registry %s: %w", path, err)
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return Addresses{}, fmt.Errorf("ledger: decode registry %s: %w", path, err)
	}
	var out Addresses
	for name, dst := range map[string]*common.Address{
		ContractFactory:    &out.Factory,
		ContractVerifier:   &out.Verifier,
		ContractAdapter:    &out.Adapter,
		ContractCollateral: &out.Collateral,
	} {
		v, ok := m[name]
		if !ok || v == "" {
			continue
		}
		if !common.IsHexAddress(v) {
			return Addresses{}, fmt.Errorf("ledger: registry %s: invalid address for %s: %q", path, name, v)
		}
		*dst = common.HexToAddress(v)
	}
	return out, nil
}
