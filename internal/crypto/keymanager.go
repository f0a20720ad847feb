// Package crypto holds the relay's signature handling: EIP-2612 permit
// hashing and recovery, wallet request authentication, HMAC partner-API
// auth, and the relayer's own encrypted hot key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
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
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keyFileVersion   = 1
)

// keyFile is the on-disk format for an encrypted relayer key.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig tells LoadRelayerKey where the relayer key lives. Only the
// relayer's own key is ever loaded; user keys never reach the backend.
type KeyConfig struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// RelayerKey is the relayer's hot wallet.
type RelayerKey struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewRelayerKey parses a hex private key with or without 0x prefix.
func NewRelayerKey(privateKeyHex string) (*RelayerKey, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/keymanager: invalid private key: %w", err)
	}
	return &RelayerKey{key: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the relayer address.
func (k *RelayerKey) Address() common.Address { return k.address }

// PrivateKey exposes the key to the chain client's transaction signer.
func (k *RelayerKey) PrivateKey() *ecdsa.PrivateKey { return k.key }

// LoadRelayerKey resolves the relayer key. A raw key takes precedence over an
// encrypted key file.
func LoadRelayerKey(cfg KeyConfig) (*RelayerKey, error) {
	switch {
	case cfg.RawPrivateKey != "":
		return NewRelayerKey(cfg.RawPrivateKey)
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto/keymanager: reading key file: %w", err)
		}
		keyHex, err := DecryptKey(data, cfg.KeyPassword)
		if err != nil {
			return nil, err
		}
		return NewRelayerKey(keyHex)
	default:
		return nil, errors.New("crypto/keymanager: no relayer key configured (set private_key or encrypted_key_path)")
	}
}

// EncryptKey seals a hex private key with PBKDF2-HMAC-SHA256 and AES-256-GCM
// and returns the JSON key file.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto/keymanager: password must not be empty")
	}
	rk, err := NewRelayerKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto/keymanager: generating salt: %w", err)
	}
	gcm, err := deriveGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto/keymanager: generating nonce: %w", err)
	}

	out := keyFile{
		Version:    keyFileVersion,
		Address:    rk.Address().Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, ethcrypto.FromECDSA(rk.key), nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey and returns the hex key
// without 0x prefix.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto/keymanager: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto/keymanager: parsing key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto/keymanager: unsupported key file version %d", kf.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto/keymanager: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(kf.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto/keymanager: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto/keymanager: decoding ciphertext: %w", err)
	}

	gcm, err := deriveGCM(password, salt)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto/keymanager: decryption failed (wrong password?): %w", err)
	}
	keyHex := hex.EncodeToString(plaintext)

	if kf.Address != "" {
		rk, err := NewRelayerKey(keyHex)
		if err != nil {
			return "", err
		}
		if !strings.EqualFold(rk.Address().Hex(), kf.Address) {
			return "", fmt.Errorf("crypto/keymanager: key file address %s does not match key", kf.Address)
		}
	}
	return keyHex, nil
}

func deriveGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto/keymanager: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto/keymanager: creating GCM: %w", err)
	}
	return gcm, nil
}
