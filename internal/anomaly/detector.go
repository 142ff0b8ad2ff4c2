// Package anomaly evaluates per-actor behavioral rules over a pattern snapshot.
package anomaly

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"txwatch/internal/model"
)

// Thresholds are the tunable limits of every rule.
type Thresholds struct {
	MaxFrequencyPerMinute int
	MaxAmountPerWindow    decimal.Decimal
	SuspiciousAmount      decimal.Decimal
	MaxFailedAttempts     int
	NewRecipientAmount    decimal.Decimal
}

// DefaultThresholds are the production limits (amounts in SOL).
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxFrequencyPerMinute: 10,
		MaxAmountPerWindow:    decimal.NewFromInt(100),
		SuspiciousAmount:      decimal.NewFromInt(50),
		MaxFailedAttempts:     5,
		NewRecipientAmount:    decimal.NewFromInt(10),
	}
}

// Validate rejects non-positive limits.
func (t Thresholds) Validate() error {
	var err error
	if t.MaxFrequencyPerMinute <= 0 {
		err = multierr.Append(err, fmt.Errorf("anomaly.max_frequency_per_minute must be greater than zero"))
	}
	if !t.MaxAmountPerWindow.IsPositive() {
		err = multierr.Append(err, fmt.Errorf("anomaly.max_amount_per_window must be greater than zero"))
	}
	if !t.SuspiciousAmount.IsPositive() {
		err = multierr.Append(err, fmt.Errorf("anomaly.suspicious_amount must be greater than zero"))
	}
	if t.MaxFailedAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("anomaly.max_failed_attempts must be greater than zero"))
	}
	if !t.NewRecipientAmount.IsPositive() {
		err = multierr.Append(err, fmt.Errorf("anomaly.new_recipient_amount must be greater than zero"))
	}
	return err
}

// Detector is stateless apart from its thresholds and safe for concurrent use.
type Detector struct {
	th Thresholds
}

// NewDetector validates th and builds a Detector.
func NewDetector(th Thresholds) (*Detector, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return &Detector{th: th}, nil
}

// Thresholds returns the configured limits.
func (d *Detector) Thresholds() Thresholds { return d.th }

// Evaluate runs every rule independently against snapshot. Several alerts may
// fire for the same mutation.
func (d *Detector) Evaluate(p model.PatternSnapshot) []model.Alert {
	alerts := d.aggregate(p)

	latest, ok := p.Latest()
	if ok && latest.Amount.GreaterThan(d.th.SuspiciousAmount) {
		alerts = append(alerts, newAlert(p, model.AlertLargeAmount, model.SeverityHigh,
			fmt.Sprintf("suspiciously large transaction: %s SOL", latest.Amount.StringFixed(2)),
			map[string]any{
				"amount":    latest.Amount,
				"threshold": d.th.SuspiciousAmount,
				"signature": latest.Signature,
			}))
	}

	if failed := p.FailedCount(); failed > d.th.MaxFailedAttempts {
		alerts = append(alerts, newAlert(p, model.AlertFailedPattern, model.SeverityMedium,
			fmt.Sprintf("many failed transactions: %d", failed),
			map[string]any{"failedCount": failed, "limit": d.th.MaxFailedAttempts}))
	}

	if ok && latest.Amount.GreaterThan(d.th.NewRecipientAmount) && p.RecipientCount(latest.Recipient) == 1 {
		alerts = append(alerts, newAlert(p, model.AlertSuspiciousRecipient, model.SeverityLow,
			fmt.Sprintf("first transaction to new recipient: %s...", shorten(latest.Recipient, 8)),
			map[string]any{"recipient": latest.Recipient, "amount": latest.Amount}))
	}

	return alerts
}

// Standing evaluates only the rules that describe an ongoing condition
// (frequency and aggregate amount). It backs the active alerts view and is
// never forwarded to a sink.
func (d *Detector) Standing(p model.PatternSnapshot) []model.Alert {
	return d.aggregate(p)
}

func (d *Detector) aggregate(p model.PatternSnapshot) []model.Alert {
	var alerts []model.Alert

	if p.Frequency > d.th.MaxFrequencyPerMinute {
		alerts = append(alerts, newAlert(p, model.AlertHighFrequency, model.SeverityHigh,
			fmt.Sprintf("high transaction frequency: %d/min", p.Frequency),
			map[string]any{"frequency": p.Frequency, "limit": d.th.MaxFrequencyPerMinute}))
	}

	if p.TotalAmount.GreaterThan(d.th.MaxAmountPerWindow) {
		alerts = append(alerts, newAlert(p, model.AlertLargeAmount, model.SeverityMedium,
			fmt.Sprintf("amount limit exceeded: %s SOL/hour", p.TotalAmount.StringFixed(2)),
			map[string]any{"amount": p.TotalAmount, "limit": d.th.MaxAmountPerWindow}))
	}

	return alerts
}

func newAlert(p model.PatternSnapshot, typ model.AlertType, sev model.Severity, desc string, data map[string]any) model.Alert {
	return model.Alert{
		ID:          uuid.New(),
		Type:        typ,
		Severity:    sev,
		ActorID:     p.ActorID,
		Description: desc,
		Data:        data,
		Timestamp:   p.At,
	}
}

// shorten keeps the first n runes of s.
func shorten(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
