package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

func testPermit(owner common.Address) domain.PermitAuthorization {
	return domain.PermitAuthorization{
		ChainID:      8453,
		Token:        common.HexToAddress("0x4200000000000000000000000000000000000042"),
		TokenName:    "Optimism",
		TokenVersion: "1",
		Owner:        owner,
		Spender:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Value:        big.NewInt(1_000_000_000_000_000_000),
		Nonce:        big.NewInt(3),
		Deadline:     big.NewInt(1_900_000_000),
	}
}

func TestPermitDigestMatchesTypedDataHash(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	p := testPermit(ethcrypto.PubkeyToAddress(key.PublicKey))

	want, _, err := apitypes.TypedDataAndHash(PermitTypedData(p))
	require.NoError(t, err)
	assert.Equal(t, want, PermitDigest(p))
}

func TestSignAndRecoverPermit(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	owner := ethcrypto.PubkeyToAddress(key.PublicKey)
	p := testPermit(owner)

	sig, err := SignPermit(p, key)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	got, err := RecoverPermitSigner(p, sig)
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	// Any field change alters the digest and therefore the recovered signer.
	tampered := p
	tampered.Value = big.NewInt(2)
	got, err = RecoverPermitSigner(tampered, sig)
	require.NoError(t, err)
	assert.NotEqual(t, owner, got)
}

func TestRecoverRejectsMalformedSignature(t *testing.T) {
	p := testPermit(common.Address{})
	_, err := RecoverPermitSigner(p, make([]byte, 64))
	assert.ErrorIs(t, err, errMalformedSignature)

	_, err = RecoverPermitSigner(p, make([]byte, 65))
	assert.ErrorIs(t, err, errMalformedSignature)

	_, err = DecodeSignature("0x1234")
	assert.Error(t, err)
}

func TestDomainSeparatorDependsOnVersion(t *testing.T) {
	token := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	a := DomainSeparator("USD Coin", "1", 8453, token)
	b := DomainSeparator("USD Coin", "2", 8453, token)
	assert.NotEqual(t, a, b)
}

func TestWalletAuthRoundTrip(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)

	msg := WalletAuthMessage("post", "/api/repayments", time.Unix(1_700_000_000, 0))
	assert.Equal(t, "gasrelay:POST:/api/repayments:1700000000", msg)

	sig, err := SignWalletMessage(msg, key)
	require.NoError(t, err)
	require.NoError(t, VerifyWalletSignature(addr, msg, sig))

	other := common.HexToAddress("0x0000000000000000000000000000000000000001")
	assert.Error(t, VerifyWalletSignature(other, msg, sig))
	assert.Error(t, VerifyWalletSignature(addr, msg+"x", sig))
}

func TestHMACHeadersAt(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("venue-secret"))
	auth := &HMACAuth{Key: "key-1", Secret: secret, Passphrase: "pp"}

	h := auth.HeadersAt("POST", "/v1/swaps", `{"a":1}`, 1_700_000_000)

	mac := hmac.New(sha256.New, []byte("venue-secret"))
	mac.Write([]byte(`1700000000POST/v1/swaps{"a":1}`))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), h[HeaderSignature])
	assert.Equal(t, "key-1", h[HeaderAPIKey])
	assert.Equal(t, "1700000000", h[HeaderTimestamp])
	assert.Equal(t, "pp", h[HeaderPassphrase])
	assert.NotContains(t, auth.String(), "venue-secret")
}

func TestEncryptedRelayerKey(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	keyHex := common.Bytes2Hex(ethcrypto.FromECDSA(key))

	blob, err := EncryptKey("0x"+keyHex, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "relayer.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	rk, err := LoadRelayerKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), rk.Address())

	_, err = LoadRelayerKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	assert.Error(t, err)

	_, err = LoadRelayerKey(KeyConfig{})
	assert.Error(t, err)
}
