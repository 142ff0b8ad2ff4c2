package tracking

import "errors"

var (
	// ErrStatusCheck wraps a failed status poll. The watcher retries within its attempt budget.
	ErrStatusCheck = errors.New("signature status check failed")
	// ErrConfirmationTimeout marks a signature that never resolved within the attempt budget.
	ErrConfirmationTimeout = errors.New("transaction confirmation timeout")
	// ErrDetailFetch wraps a failed fee/accounts lookup. The terminal status is kept.
	ErrDetailFetch = errors.New("transaction detail fetch failed")
)
