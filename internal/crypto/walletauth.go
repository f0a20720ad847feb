package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
)

// WalletAuthMessage is the EIP-191 personal message a wallet signs to prove
// it owns the address issuing an API request.
//
//	gasrelay:<METHOD>:<PATH>:<unix-ts>
func WalletAuthMessage(method, path string, ts time.Time) string {
	return "gasrelay:" + strings.ToUpper(method) + ":" + path + ":" + strconv.FormatInt(ts.Unix(), 10)
}

// VerifyWalletSignature checks that sig is a personal_sign signature by
// address over message.
func VerifyWalletSignature(address common.Address, message string, sig []byte) error {
	signer, err := recoverAddress(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return err
	}
	if signer != address {
		return fmt.Errorf("crypto/walletauth: signer %s does not match %s", signer.Hex(), address.Hex())
	}
	return nil
}

// SignWalletMessage produces a personal_sign signature. Test clients use it to
// exercise authenticated routes.
func SignWalletMessage(message string, key *ecdsa.PrivateKey) ([]byte, error) {
	return signDigest(accounts.TextHash([]byte(message)), key)
}
