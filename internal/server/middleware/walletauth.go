package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// Wallet authentication headers.
const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletTimestamp = "X-Wallet-Timestamp"
	HeaderWalletSignature = "X-Wallet-Signature"
)

type callerKey struct{}

// CallerFrom returns the caller established by WalletAuth.
func CallerFrom(ctx context.Context) (domain.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(domain.Caller)
	return c, ok
}

// WithCaller attaches caller to ctx.
func WithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// WalletAuth verifies an EIP-191 signature over
// "gasrelay:<METHOD>:<PATH>:<unix-ts>" and attaches the signing wallet as a
// user caller. Timestamps further than skew from now are rejected.
func WalletAuth(skew time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.Header.Get(HeaderWalletAddress)
			tsRaw := r.Header.Get(HeaderWalletTimestamp)
			sigRaw := r.Header.Get(HeaderWalletSignature)
			if addr == "" || tsRaw == "" || sigRaw == "" {
				writeUnauthorized(w, "missing wallet signature headers")
				return
			}
			if !common.IsHexAddress(addr) {
				writeUnauthorized(w, "invalid wallet address")
				return
			}
			unix, err := strconv.ParseInt(tsRaw, 10, 64)
			if err != nil {
				writeUnauthorized(w, "invalid wallet timestamp")
				return
			}
			ts := time.Unix(unix, 0)
			if d := now().Sub(ts); d > skew || d < -skew {
				writeUnauthorized(w, "wallet timestamp outside the allowed window")
				return
			}
			sig, err := crypto.DecodeSignature(sigRaw)
			if err != nil {
				writeUnauthorized(w, "malformed wallet signature")
				return
			}

			wallet := common.HexToAddress(addr)
			msg := crypto.WalletAuthMessage(r.Method, r.URL.Path, ts)
			if err := crypto.VerifyWalletSignature(wallet, msg, sig); err != nil {
				writeUnauthorized(w, "wallet signature does not match address")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), domain.UserCaller(wallet))))
		})
	}
}
