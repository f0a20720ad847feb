package swapvenue

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/config"
	"github.com/alanyoungcy/gasrelay/internal/domain"
)

var (
	fromToken = common.HexToAddress("0x1111111111111111111111111111111111111111")
	toToken   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	owner     = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.VenueConfig{BaseURL: srv.URL, ApiKey: "k", ApiSecret: "s"})
}

func TestQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quote", r.URL.Path)
		var req apiQuoteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(137), req.ChainID)
		assert.Equal(t, fromToken.Hex(), req.FromToken)
		assert.Equal(t, "500", req.AmountIn.String())
		_, _ = w.Write([]byte(`{"quoteId":"q1","amountOut":"1990000","expiresAt":1700000000}`))
	})

	q, err := c.Quote(context.Background(), domain.SwapQuoteRequest{
		ChainID: 137, FromToken: fromToken, ToToken: toToken, AmountIn: big.NewInt(500),
	})
	require.NoError(t, err)
	assert.Equal(t, "q1", q.QuoteID)
	assert.Equal(t, big.NewInt(1_990_000), q.AmountOut)
	assert.Equal(t, int64(1700000000), q.ExpiresAt.Unix())
}

func TestQuoteRejectsIncompleteResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quoteId":"q1"}`))
	})
	_, err := c.Quote(context.Background(), domain.SwapQuoteRequest{ChainID: 1, AmountIn: big.NewInt(1)})
	assert.ErrorIs(t, err, domain.ErrExternalService)
}

func TestExecuteSendsPermit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req apiSwapRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "q1", req.QuoteID)
		assert.Equal(t, "1900000", req.MinAmountOut.String())
		assert.Equal(t, owner.Hex(), req.Permit.Owner)
		assert.Equal(t, "7", req.Permit.Nonce.String())
		assert.Equal(t, "0x0102", req.Permit.Signature)
		_, _ = w.Write([]byte(`{"swapId":"s1"}`))
	})

	id, err := c.Execute(context.Background(), domain.SwapOrder{
		Quote:        domain.SwapQuote{QuoteID: "q1"},
		Request:      domain.SwapQuoteRequest{ChainID: 137, FromToken: fromToken, ToToken: toToken, AmountIn: big.NewInt(500)},
		Permit:       domain.PermitAuthorization{Owner: owner, Value: big.NewInt(500), Nonce: big.NewInt(7), Deadline: big.NewInt(99)},
		Signature:    []byte{1, 2},
		MinAmountOut: big.NewInt(1_900_000),
		Recipient:    owner,
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		body  string
		state domain.SwapState
	}{
		{`{"status":"submitted"}`, domain.SwapStatePending},
		{`{"status":"CONFIRMED","txHash":"0xabc","amountOut":"10","gasCost":"2"}`, domain.SwapStateConfirmed},
		{`{"status":"reverted"}`, domain.SwapStateFailed},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/swaps/s%201", r.URL.EscapedPath())
			_, _ = w.Write([]byte(tt.body))
		})
		st, err := c.Status(context.Background(), "s 1")
		require.NoError(t, err)
		assert.Equal(t, tt.state, st.State, tt.body)
		switch st.State {
		case domain.SwapStateConfirmed:
			assert.Equal(t, big.NewInt(10), st.AmountOut)
			assert.Equal(t, big.NewInt(2), st.GasCost)
		case domain.SwapStateFailed:
			assert.Equal(t, "reverted", st.Reason)
		}
	}
}
