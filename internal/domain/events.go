package domain

import "time"

// Signal bus channels.
const (
	ChannelLoans   = "gasrelay:loans"
	ChannelStaking = "gasrelay:staking"
	ChannelLedger  = "gasrelay:ledger"
)

// EventType names a lifecycle event published on the signal bus.
type EventType string

const (
	EventLoanCreated   EventType = "loan_created"
	EventLoanFunded    EventType = "loan_funded"
	EventLoanFailed    EventType = "loan_failed"
	EventLoanCompleted EventType = "loan_completed"
	EventBridgeStarted EventType = "bridge_started"
	EventBridgeFailed  EventType = "bridge_failed"
	EventStaked        EventType = "staked"
	EventFinalized     EventType = "finalized"
	EventDebtRepaid    EventType = "debt_repaid"
	EventWithdrawn     EventType = "withdrawn"
	EventBlacklisted   EventType = "blacklisted"
)

// Event is the JSON payload carried on the signal bus and the websocket hub.
type Event struct {
	Type      EventType      `json:"type"`
	LoanID    string         `json:"loan_id,omitempty"`
	Account   string         `json:"account,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Channel returns the bus channel an event type is published on.
func (t EventType) Channel() string {
	switch t {
	case EventBridgeStarted, EventBridgeFailed, EventStaked, EventFinalized:
		return ChannelStaking
	case EventDebtRepaid, EventWithdrawn, EventBlacklisted:
		return ChannelLedger
	default:
		return ChannelLoans
	}
}
