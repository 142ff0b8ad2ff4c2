// Package ledger adapts chain RPC endpoints to the narrow status/details view
// the confirmation watcher needs.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Status is the chain's view of a landed signature. Err is empty on success.
type Status struct {
	Slot uint64
	Err  string
}

// Details carries best-effort enrichment for a resolved signature.
type Details struct {
	Fee      decimal.Decimal
	Accounts []string
}

// Client retrieves signature status and details. Both methods return a nil
// result without error when the chain does not know the signature yet.
type Client interface {
	GetStatus(ctx context.Context, signature string) (*Status, error)
	GetDetails(ctx context.Context, signature string) (*Details, error)
}
