// Package bridge is the REST client for the cross-chain bridge provider.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alanyoungcy/gasrelay/internal/config"
	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/platform/httpapi"
)

// Client implements domain.BridgeProvider.
type Client struct {
	api *httpapi.Client
}

var _ domain.BridgeProvider = (*Client)(nil)

// New creates a bridge client from config.
func New(cfg config.BridgeConfig, opts ...httpapi.Option) *Client {
	auth := &crypto.HMACAuth{Key: cfg.ApiKey, Secret: cfg.ApiSecret, Passphrase: cfg.ApiPassphrase}
	return &Client{api: httpapi.New("bridge", cfg.BaseURL, auth, cfg.Timeout.Duration, opts...)}
}

// Submit starts a transfer and returns the provider's transfer ID.
func (c *Client) Submit(ctx context.Context, t domain.BridgeTransfer) (string, error) {
	var accepted apiTransferAccepted
	err := c.api.Do(ctx, http.MethodPost, "/v1/transfers", apiTransferRequest{
		SourceChainID: t.SourceChainID,
		DestChainID:   t.DestChainID,
		Token:         t.Token.Hex(),
		Amount:        httpapi.NewAmount(t.Amount),
		Recipient:     t.Recipient.Hex(),
	}, &accepted)
	if err != nil {
		return "", fmt.Errorf("bridge: submit: %w", err)
	}
	if accepted.TransferID == "" {
		return "", domain.External("bridge submit", fmt.Errorf("missing transfer id"))
	}
	return accepted.TransferID, nil
}

// Status reports a transfer's progress.
func (c *Client) Status(ctx context.Context, bridgeID string) (domain.BridgeStatus, error) {
	var st apiTransferStatus
	if err := c.api.Do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(bridgeID), nil, &st); err != nil {
		return domain.BridgeStatus{}, fmt.Errorf("bridge: status %s: %w", bridgeID, err)
	}
	return st.toDomain(), nil
}
