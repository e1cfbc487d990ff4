package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// signatureLen is the length of an r || s || v signature.
const signatureLen = 65

// Signer produces EIP-191 personal-sign signatures with a single key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key (0x prefix
// optional).
func NewSigner(privateKeyHex string) (*Signer, error) {
	key, err := ethcrypto.HexToECDSA(trim0x(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	return NewSignerFromKey(key), nil
}

// NewSignerFromKey wraps an already parsed key.
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: key,
		address:    ethcrypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the Ethereum address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignMessage signs message with the "\x19Ethereum Signed Message:\n"
// prefix and returns the 65-byte signature with v in {27, 28}, the form
// wallets return from personal_sign.
func (s *Signer) SignMessage(message string) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign message: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverAddress returns the address that produced sig over message. Both
// v encodings (0/1 and 27/28) are accepted.
func RecoverAddress(message string, sig []byte) (common.Address, error) {
	if len(sig) != signatureLen {
		return common.Address{}, fmt.Errorf("crypto: signature must be %d bytes, got %d", signatureLen, len(sig))
	}
	normalized := make([]byte, signatureLen)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("crypto: invalid recovery id %d", sig[64])
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(message)), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyPersonalSign reports whether sig is addr's personal-sign signature
// over message.
func VerifyPersonalSign(addr common.Address, message string, sig []byte) bool {
	got, err := RecoverAddress(message, sig)
	return err == nil && got == addr
}

func trim0x(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
