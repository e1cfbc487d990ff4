// Package identity derives pre-deployment market identifiers and binds them
// to the identifiers the ledger assigns at deployment.
package identity

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/oraclex/internal/domain"
)

// termsArgs is the ABI tuple (string, string, uint256, address, uint256).
// Dynamic strings are head/tail encoded with an explicit length word, so
// ("ab","c") and ("a","bc") never share an encoding.
var termsArgs = mustArgs("string", "string", "uint256", "address", "uint256")

func mustArgs(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("identity: abi type %s: %v", t, err))
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

// Encode returns the canonical byte encoding of the ordered terms tuple.
func Encode(t domain.Terms) ([]byte, error) {
	if t.CloseTimestamp < 0 || t.ChainID < 0 {
		return nil, fmt.Errorf("identity: encode: %w: negative integer term", domain.ErrValidation)
	}
	return termsArgs.Pack(
		t.EventID,
		t.Description,
		big.NewInt(t.CloseTimestamp),
		t.CreatorAddress,
		big.NewInt(t.ChainID),
	)
}

// DeriveID returns keccak256 of the canonical terms encoding.
func DeriveID(t domain.Terms) (domain.Identifier, error) {
	enc, err := Encode(t)
	if err != nil {
		return domain.Identifier{}, err
	}
	return domain.Identifier{
		Kind: domain.IDPreDeploy,
		Hash: crypto.Keccak256Hash(enc),
	}, nil
}

// CreateMessage is the text a creator signs to authorize market creation.
func CreateMessage(t domain.Terms) string {
	return fmt.Sprintf("OracleX create market\nevent: %s\ndescription: %s\nclose: %d\nchain: %d",
		t.EventID, t.Description, t.CloseTimestamp, t.ChainID)
}

// ParseAddress accepts a 0x-prefixed 20-byte hex address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("identity: %w: invalid address %q", domain.ErrValidation, s)
	}
	return common.HexToAddress(s), nil
}
