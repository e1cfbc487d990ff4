package domain

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IDKind tags which identifier space an Identifier belongs to.
type IDKind uint8

const (
	IDUnknown IDKind = iota
	IDPreDeploy
	IDOnChain
)

// String returns the identifier space name.
func (k IDKind) String() string {
	switch k {
	case IDPreDeploy:
		return "pre_deploy"
	case IDOnChain:
		return "on_chain"
	default:
		return "unknown"
	}
}

// Identifier is a 32-byte market identifier tagged with its space. Both
// spaces share the bytes32 wire form, so the tag is resolved once, at the
// boundary, from the stored record rather than sniffed from the string.
type Identifier struct {
	Kind IDKind
	Hash common.Hash
}

// String returns the canonical 0x-prefixed lowercase hex form.
func (id Identifier) String() string {
	return CanonicalHex(id.Hash)
}

// CanonicalHex renders h as 0x + 64 lowercase hex characters.
func CanonicalHex(h common.Hash) string {
	return "0x" + hex.EncodeToString(h[:])
}

// ParseHash parses a well-formed bytes32 hex string: exactly 64 hex digits,
// with or without a 0x prefix, any letter case. It reports false for
// anything else.
func ParseHash(s string) (common.Hash, bool) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if len(s) != 2*common.HashLength {
		return common.Hash{}, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

// LooksOnChain reports whether s has the fixed-length 0x-prefixed hex shape
// the ledger uses for market identifiers.
func LooksOnChain(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 2+2*common.HashLength || (s[:2] != "0x" && s[:2] != "0X") {
		return false
	}
	_, ok := ParseHash(s)
	return ok
}
