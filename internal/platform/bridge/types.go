package bridge

import (
	"strings"

	"github.com/alanyoungcy/gasrelay/internal/domain"
	"github.com/alanyoungcy/gasrelay/internal/platform/httpapi"
)

type apiTransferRequest struct {
	SourceChainID int64          `json:"sourceChainId"`
	DestChainID   int64          `json:"destChainId"`
	Token         string         `json:"token"`
	Amount        httpapi.Amount `json:"amount"`
	Recipient     string         `json:"recipient"`
}

type apiTransferAccepted struct {
	TransferID string `json:"transferId"`
}

type apiTransferStatus struct {
	Status     string `json:"status"`
	DestTxHash string `json:"destTxHash"`
	Reason     string `json:"reason,omitempty"`
}

func (s apiTransferStatus) toDomain() domain.BridgeStatus {
	out := domain.BridgeStatus{DestTxHash: s.DestTxHash, Reason: s.Reason}
	switch strings.ToLower(s.Status) {
	case "completed", "delivered", "success":
		out.State = domain.BridgeStateCompleted
	case "failed", "refunded", "expired":
		out.State = domain.BridgeStateFailed
		if out.Reason == "" {
			out.Reason = s.Status
		}
	default:
		out.State = domain.BridgeStatePending
	}
	return out
}
