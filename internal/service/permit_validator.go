package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/alanyoungcy/gasrelay/internal/crypto"
	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/metrics"
)

const defaultPermitVersion = "1"

// PermitValidatorConfig configures PermitValidator.
type PermitValidatorConfig struct {
	PermitTTL time.Duration
	// Spender is the address the permit authorizes, the relayer's swap
	// spender.
	Spender common.Address
}

// PermitRequest is everything a wallet needs to sign a permit client side.
type PermitRequest struct {
	Permit    domain.PermitAuthorization
	TypedData apitypes.TypedData
	Digest    common.Hash
}

// PermitValidator assembles permit requests and verifies signed permits. It
// never mutates state.
type PermitValidator struct {
	chain  domain.ChainClient
	cfg    PermitValidatorConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewPermitValidator creates a PermitValidator.
func NewPermitValidator(chain domain.ChainClient, cfg PermitValidatorConfig, logger *slog.Logger) *PermitValidator {
	if cfg.PermitTTL <= 0 {
		cfg.PermitTTL = 20 * time.Minute
	}
	return &PermitValidator{
		chain:  chain,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "permit_validator")),
	}
}

// WithClock overrides the time source.
func (v *PermitValidator) WithClock(now func() time.Time) *PermitValidator {
	v.now = now
	return v
}

// PreparePermit builds the permit for wallet's entire balance of token. It
// fails with ErrUnsupportedToken when the token does not implement EIP-2612
// or its domain separator does not match the advertised name and version.
func (v *PermitValidator) PreparePermit(ctx context.Context, wallet, token common.Address, chainID int64) (PermitRequest, error) {
	if chainID <= 0 {
		return PermitRequest{}, domain.Wrapf(domain.ErrValidation, "chain id must be positive")
	}
	if wallet == (common.Address{}) || token == (common.Address{}) {
		return PermitRequest{}, domain.Wrapf(domain.ErrValidation, "wallet and token are required")
	}

	info, err := v.chain.PermitInfo(ctx, chainID, token)
	if err != nil {
		return PermitRequest{}, domain.External("read permit info", err)
	}
	version := info.Version
	if version == "" {
		version = defaultPermitVersion
	}
	if info.DomainSeparator != (common.Hash{}) {
		if got := crypto.DomainSeparator(info.Name, version, chainID, token); got != info.DomainSeparator {
			return PermitRequest{}, domain.Wrapf(domain.ErrUnsupportedToken,
				"token %s domain separator does not match name %q version %q", token.Hex(), info.Name, version)
		}
	}

	nonce, err := v.chain.Nonce(ctx, chainID, token, wallet)
	if err != nil {
		return PermitRequest{}, domain.External("read permit nonce", err)
	}
	balance, err := v.chain.BalanceOf(ctx, chainID, token, wallet)
	if err != nil {
		return PermitRequest{}, domain.External("read token balance", err)
	}
	if balance.Sign() == 0 {
		return PermitRequest{}, domain.Wrapf(domain.ErrValidation, "wallet holds no %s", info.Name)
	}

	permit := domain.PermitAuthorization{
		ChainID:      chainID,
		Token:        token,
		TokenName:    info.Name,
		TokenVersion: version,
		Owner:        wallet,
		Spender:      v.cfg.Spender,
		Value:        balance,
		Nonce:        nonce,
		Deadline:     big.NewInt(v.now().Add(v.cfg.PermitTTL).Unix()),
	}
	v.logger.DebugContext(ctx, "permit prepared",
		slog.String("owner", wallet.Hex()),
		slog.String("token", token.Hex()),
		slog.Int64("chain_id", chainID),
		slog.String("nonce", nonce.String()),
	)
	return PermitRequest{
		Permit:    permit,
		TypedData: crypto.PermitTypedData(permit),
		Digest:    common.BytesToHash(crypto.PermitDigest(permit)),
	}, nil
}

// Verify checks that sig is the owner's signature over p and that p has not
// expired at now.
func (v *PermitValidator) Verify(p domain.PermitAuthorization, sig []byte, now time.Time) error {
	err := v.verify(p, sig, now)
	if err != nil {
		metrics.PermitRejections.WithLabelValues(domain.CodeOf(err)).Inc()
	}
	return err
}

func (v *PermitValidator) verify(p domain.PermitAuthorization, sig []byte, now time.Time) error {
	if p.Owner == (common.Address{}) || p.Value == nil || p.Nonce == nil {
		return domain.Wrapf(domain.ErrValidation, "permit is incomplete")
	}
	signer, err := crypto.RecoverPermitSigner(p, sig)
	if err != nil {
		return domain.Wrap(domain.ErrInvalidSignature, err)
	}
	if signer != p.Owner {
		return domain.Wrapf(domain.ErrInvalidSignature, "signature recovers to %s, not %s", signer.Hex(), p.Owner.Hex())
	}
	if p.Expired(now) {
		return domain.Wrapf(domain.ErrExpiredPermit, "permit deadline %s has passed", p.Deadline)
	}
	return nil
}

func permitSummary(p domain.PermitAuthorization) string {
	return fmt.Sprintf("%s/%s#%s", p.OwnerRef(), p.Token.Hex(), p.Nonce)
}
