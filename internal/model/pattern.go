package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTxType is used when the caller does not classify a transaction.
const DefaultTxType = "unknown"

// TransactionRecord is one entry of an actor's behavioral history.
type TransactionRecord struct {
	Signature string          `json:"signature"`
	Timestamp time.Time       `json:"timestamp"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
	Type      string          `json:"type"`
	Status    TxStatus        `json:"status"`
}

// PatternSnapshot is an immutable copy of an actor's pattern taken under the actor lock.
// Records are ordered oldest first.
type PatternSnapshot struct {
	ActorID          string
	Records          []TransactionRecord
	Frequency        int
	TotalAmount      decimal.Decimal
	UniqueRecipients []string
	At               time.Time
}

// Latest returns the most recently appended record.
func (p PatternSnapshot) Latest() (TransactionRecord, bool) {
	if len(p.Records) == 0 {
		return TransactionRecord{}, false
	}
	return p.Records[len(p.Records)-1], true
}

// FailedCount counts retained records resolved as failed.
func (p PatternSnapshot) FailedCount() int {
	n := 0
	for _, r := range p.Records {
		if r.Status == StatusFailed {
			n++
		}
	}
	return n
}

// RecipientCount counts retained records sent to recipient.
func (p PatternSnapshot) RecipientCount(recipient string) int {
	n := 0
	for _, r := range p.Records {
		if r.Recipient == recipient {
			n++
		}
	}
	return n
}

// ActorStats summarises an actor's retained history at query time.
type ActorStats struct {
	ActorID            string          `json:"actorId"`
	TotalTransactions  int             `json:"totalTransactions"`
	RecentTransactions int             `json:"recentTransactions"`
	TotalAmount        decimal.Decimal `json:"totalAmount"`
	Frequency          int             `json:"frequency"`
	UniqueRecipients   int             `json:"uniqueRecipients"`
	FailedTransactions int             `json:"failedTransactions"`
	LastActivity       time.Time       `json:"lastActivity"`
}
