package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxStatus is the lifecycle state of a watched signature or tracked record.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusConfirmed TxStatus = "confirmed"
	StatusFailed    TxStatus = "failed"
)

// Terminal reports whether s is a final status.
func (s TxStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// ParseTxStatus accepts the terminal statuses an application may report.
func ParseTxStatus(s string) (TxStatus, bool) {
	switch TxStatus(s) {
	case StatusConfirmed, StatusFailed:
		return TxStatus(s), true
	default:
		return "", false
	}
}

// TransactionEvent is the confirmation-tracking view of a single signature.
type TransactionEvent struct {
	Signature          string           `json:"signature"`
	Timestamp          time.Time        `json:"timestamp"`
	Status             TxStatus         `json:"status"`
	ConfirmationTimeMs *int64           `json:"confirmationTimeMs,omitempty"`
	Slot               *uint64          `json:"slot,omitempty"`
	Fee                *decimal.Decimal `json:"fee,omitempty"`
	Error              string           `json:"error,omitempty"`
	ProgramID          string           `json:"programId,omitempty"`
	Accounts           []string         `json:"accounts,omitempty"`
}

// Clone returns a deep copy so callers never share the ledger's slices.
func (e TransactionEvent) Clone() TransactionEvent {
	out := e
	if e.Accounts != nil {
		out.Accounts = append([]string(nil), e.Accounts...)
	}
	return out
}

// TransactionMetrics is recomputed from the trailing window on every tick.
type TransactionMetrics struct {
	TPS              float64   `json:"tps"`
	ConfirmTimeP50Ms int64     `json:"confirmTimeP50Ms"`
	ConfirmTimeP95Ms int64     `json:"confirmTimeP95Ms"`
	FailRatePct      float64   `json:"failRatePct"`
	AnomalyCount     int       `json:"anomalyCount"`
	ComputedAt       time.Time `json:"computedAt"`
}
