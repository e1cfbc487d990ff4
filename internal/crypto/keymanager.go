// Package crypto loads the backend signing key and produces and verifies
// EIP-191 personal-sign signatures over market creation messages.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	sealedVersion    = 2
)

// sealedKey is the on-disk form of the signer key. Address is kept in the
// clear so operators can tell which signer a file holds without the password.
type sealedKey struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	Salt       []byte         `json:"salt"`
	Nonce      []byte         `json:"nonce"`
	Ciphertext []byte         `json:"ciphertext"`
}

// KeyConfig names where the signer key comes from. A raw key wins over a
// sealed key file.
type KeyConfig struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// SealKey encrypts key under password with PBKDF2-HMAC-SHA256 and
// AES-256-GCM. The signer address is bound as additional data.
func SealKey(key *ecdsa.PrivateKey, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := keyCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	return json.MarshalIndent(sealedKey{
		Version:    sealedVersion,
		Address:    addr,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), addr.Bytes()),
	}, "", "  ")
}

// OpenKey decrypts a file produced by SealKey. A wrong password or an
// edited address both fail authentication.
func OpenKey(data []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var sk sealedKey
	if err := json.Unmarshal(data, &sk); err != nil {
		return nil, fmt.Errorf("crypto: parse sealed key: %w", err)
	}
	if sk.Version != sealedVersion {
		return nil, fmt.Errorf("crypto: unsupported sealed key version %d", sk.Version)
	}

	gcm, err := keyCipher(password, sk.Salt)
	if err != nil {
		return nil, err
	}
	if len(sk.Nonce) != gcm.NonceSize() {
		return nil, errors.New("crypto: sealed key nonce has wrong length")
	}
	raw, err := gcm.Open(nil, sk.Nonce, sk.Ciphertext, sk.Address.Bytes())
	if err != nil {
		return nil, fmt.Errorf("crypto: unseal key (wrong password?): %w", err)
	}
	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: sealed key: %w", err)
	}
	return key, nil
}

func keyCipher(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// LoadECDSA resolves the signer key from cfg.
func LoadECDSA(cfg KeyConfig) (*ecdsa.PrivateKey, error) {
	if cfg.RawPrivateKey != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.RawPrivateKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("crypto: parse private key: %w", err)
		}
		return key, nil
	}
	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading sealed key file: %w", err)
		}
		return OpenKey(data, cfg.KeyPassword)
	}
	return nil, errors.New("crypto: no signer key configured (set private_key or encrypted_key_path)")
}
