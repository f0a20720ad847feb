// Package swapvenue is the REST client for the swap venue that executes
// permit-funded token swaps on behalf of the relayer.
package swapvenue

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/gasrelay/internal/config"
	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/platform/httpapi"
)

// Client implements domain.SwapVenue over the venue's HTTP API.
type Client struct {
	api *httpapi.Client
}

var _ domain.SwapVenue = (*Client)(nil)

// New creates a venue client from config.
func New(cfg config.VenueConfig, opts ...httpapi.Option) *Client {
	auth := &crypto.HMACAuth{Key: cfg.ApiKey, Secret: cfg.ApiSecret, Passphrase: cfg.ApiPassphrase}
	return &Client{api: httpapi.New("swapvenue", cfg.BaseURL, auth, cfg.Timeout.Duration, opts...)}
}

// Quote requests an exact-in quote.
func (c *Client) Quote(ctx context.Context, req domain.SwapQuoteRequest) (domain.SwapQuote, error) {
	var q apiQuote
	err := c.api.Do(ctx, http.MethodPost, "/v1/quote", apiQuoteRequest{
		ChainID:   req.ChainID,
		FromToken: req.FromToken.Hex(),
		ToToken:   req.ToToken.Hex(),
		AmountIn:  httpapi.NewAmount(req.AmountIn),
	}, &q)
	if err != nil {
		return domain.SwapQuote{}, fmt.Errorf("swapvenue: quote: %w", err)
	}
	if q.QuoteID == "" || q.AmountOut.Int == nil {
		return domain.SwapQuote{}, domain.External("swapvenue quote", fmt.Errorf("incomplete quote response"))
	}
	return q.toDomain(), nil
}

// Execute submits the signed permit and the quote for execution.
func (c *Client) Execute(ctx context.Context, order domain.SwapOrder) (string, error) {
	p := order.Permit
	var accepted apiSwapAccepted
	err := c.api.Do(ctx, http.MethodPost, "/v1/swaps", apiSwapRequest{
		QuoteID:      order.Quote.QuoteID,
		ChainID:      order.Request.ChainID,
		FromToken:    order.Request.FromToken.Hex(),
		ToToken:      order.Request.ToToken.Hex(),
		AmountIn:     httpapi.NewAmount(order.Request.AmountIn),
		MinAmountOut: httpapi.NewAmount(order.MinAmountOut),
		Recipient:    order.Recipient.Hex(),
		Permit: apiPermit{
			Owner:     p.Owner.Hex(),
			Spender:   p.Spender.Hex(),
			Value:     httpapi.NewAmount(p.Value),
			Nonce:     httpapi.NewAmount(p.Nonce),
			Deadline:  httpapi.NewAmount(p.Deadline),
			Signature: hexutil.Encode(order.Signature),
		},
	}, &accepted)
	if err != nil {
		return "", fmt.Errorf("swapvenue: execute: %w", err)
	}
	if accepted.SwapID == "" {
		return "", domain.External("swapvenue execute", fmt.Errorf("missing swap id"))
	}
	return accepted.SwapID, nil
}

// Status reports the lifecycle of a submitted swap.
func (c *Client) Status(ctx context.Context, swapID string) (domain.SwapStatus, error) {
	var st apiSwapStatus
	if err := c.api.Do(ctx, http.MethodGet, "/v1/swaps/"+url.PathEscape(swapID), nil, &st); err != nil {
		return domain.SwapStatus{}, fmt.Errorf("swapvenue: status %s: %w", swapID, err)
	}
	return st.toDomain(), nil
}
