package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)
	permitTypeHash = ethcrypto.Keccak256(
		[]byte("Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"),
	)
)

var errMalformedSignature = errors.New("crypto/permit: malformed signature")

// DomainSeparator returns the EIP-712 domain separator a permit token with the
// given name and version computes on chainID.
func DomainSeparator(name, version string, chainID int64, token common.Address) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(chainID)),
			common.LeftPadBytes(token.Bytes(), 32),
		),
	))
}

// PermitDigest computes keccak256("\x19\x01" || domainSeparator || structHash)
// for an EIP-2612 permit.
func PermitDigest(p domain.PermitAuthorization) []byte {
	sep := DomainSeparator(p.TokenName, p.TokenVersion, p.ChainID, p.Token)
	structHash := ethcrypto.Keccak256(
		concatBytes(
			permitTypeHash,
			common.LeftPadBytes(p.Owner.Bytes(), 32),
			common.LeftPadBytes(p.Spender.Bytes(), 32),
			bigIntTo32Bytes(orZero(p.Value)),
			bigIntTo32Bytes(orZero(p.Nonce)),
			bigIntTo32Bytes(orZero(p.Deadline)),
		),
	)
	return eip712Hash(sep.Bytes(), structHash)
}

// PermitTypedData returns the eth_signTypedData_v4 payload a wallet signs for p.
func PermitTypedData(p domain.PermitAuthorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Permit": {
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              p.TokenName,
			Version:           p.TokenVersion,
			ChainId:           math.NewHexOrDecimal256(p.ChainID),
			VerifyingContract: p.Token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner":    p.Owner.Hex(),
			"spender":  p.Spender.Hex(),
			"value":    orZero(p.Value).String(),
			"nonce":    orZero(p.Nonce).String(),
			"deadline": orZero(p.Deadline).String(),
		},
	}
}

// RecoverPermitSigner returns the address that produced sig over p. The
// signature must be 65 bytes (r || s || v) with v in {0, 1, 27, 28} and a
// low-s value.
func RecoverPermitSigner(p domain.PermitAuthorization, sig []byte) (common.Address, error) {
	return recoverAddress(PermitDigest(p), sig)
}

// SignPermit signs p with key. Wallets do this client side; the relay only
// uses it for its own funds and in tests.
func SignPermit(p domain.PermitAuthorization, key *ecdsa.PrivateKey) ([]byte, error) {
	return signDigest(PermitDigest(p), key)
}

// DecodeSignature parses a 0x-prefixed hex signature.
func DecodeSignature(s string) ([]byte, error) {
	b, err := hexDecode(s)
	if err != nil || len(b) != 65 {
		return nil, errMalformedSignature
	}
	return b, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func recoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errMalformedSignature
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !ethcrypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, errMalformedSignature
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/permit: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// signDigest signs a 32-byte digest and returns r || s || v with v in {27, 28}.
func signDigest(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("crypto/permit: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

func orZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}

func hexDecode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
