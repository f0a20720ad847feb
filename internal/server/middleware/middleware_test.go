package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/store/memory"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// echoCaller writes the authenticated wallet.
var echoCaller = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	c, ok := CallerFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	w.Write([]byte(c.Address.Hex()))
})

func signedRequest(t *testing.T, method, path string, ts time.Time) (*http.Request, string) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)

	sig, err := crypto.SignWalletMessage(crypto.WalletAuthMessage(method, path, ts), key)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(HeaderWalletAddress, addr.Hex())
	req.Header.Set(HeaderWalletTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(HeaderWalletSignature, hexutil.Encode(sig))
	return req, addr.Hex()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWalletAuthAttachesSigner(t *testing.T) {
	h := WalletAuth(5*time.Minute, func() time.Time { return fixedNow })(echoCaller)
	req, addr := signedRequest(t, http.MethodPost, "/api/swaps", fixedNow.Add(-time.Minute))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, addr, rec.Body.String())
}

func TestWalletAuthRejects(t *testing.T) {
	h := WalletAuth(5*time.Minute, func() time.Time { return fixedNow })(echoCaller)

	cases := map[string]func() *http.Request{
		"missing headers": func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/api/swaps", nil)
		},
		"stale timestamp": func() *http.Request {
			req, _ := signedRequest(t, http.MethodPost, "/api/swaps", fixedNow.Add(-10*time.Minute))
			return req
		},
		"signed for another path": func() *http.Request {
			req, _ := signedRequest(t, http.MethodPost, "/api/repayments", fixedNow)
			req.URL.Path = "/api/swaps"
			return req
		},
		"address of another wallet": func() *http.Request {
			req, _ := signedRequest(t, http.MethodPost, "/api/swaps", fixedNow)
			req.Header.Set(HeaderWalletAddress, "0x00000000000000000000000000000000000a11ce")
			return req
		},
		"malformed signature": func() *http.Request {
			req, _ := signedRequest(t, http.MethodPost, "/api/swaps", fixedNow)
			req.Header.Set(HeaderWalletSignature, "0xdead")
			return req
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, build())
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "unauthenticated", decodeError(t, rec)["code"])
		})
	}
}

func TestAuthAcceptsBearerOrAPIKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Auth("s3cret")(ok)

	bearer := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	bearer.Header.Set("Authorization", "Bearer s3cret")
	apiKey := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	apiKey.Header.Set("X-API-Key", "s3cret")
	wrong := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	wrong.Header.Set("X-API-Key", "nope")

	for req, want := range map[*http.Request]int{
		bearer: http.StatusNoContent,
		apiKey: http.StatusNoContent,
		wrong:  http.StatusUnauthorized,
		httptest.NewRequest(http.MethodGet, "/api/status", nil): http.StatusUnauthorized,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, req.Header)
	}

	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code, "empty key disables auth")
}

func TestRateLimitPerClientIP(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RateLimit(memory.NewRateLimiter(0, 0), 2, time.Minute)(ok)

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("1.2.3.4").Code)
	assert.Equal(t, http.StatusOK, send("1.2.3.4").Code)
	limited := send("1.2.3.4")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	assert.Equal(t, domain.ErrRateLimited.Code, decodeError(t, limited)["code"])

	assert.Equal(t, http.StatusOK, send("5.6.7.8").Code, "other clients are unaffected")
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://app.example/"})(echoCaller)

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/swaps", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("https://APP.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://APP.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), HeaderWalletSignature)
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	rec = preflight("https://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	t.Run("any origin", func(t *testing.T) {
		h := CORS([]string{"*"})(echoCaller)
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("Origin", "https://other.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "https://other.example", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}
