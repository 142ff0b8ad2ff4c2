package model

import (
	"time"

	"github.com/google/uuid"
)

// AlertType names the behavioral rule that produced an alert.
type AlertType string

const (
	AlertHighFrequency       AlertType = "high_frequency"
	AlertLargeAmount         AlertType = "large_amount"
	AlertSuspiciousRecipient AlertType = "suspicious_recipient"
	AlertFailedPattern       AlertType = "failed_pattern"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is an anomaly signal. Once created it is never mutated.
type Alert struct {
	ID          uuid.UUID      `json:"id"`
	Type        AlertType      `json:"type"`
	Severity    Severity       `json:"severity"`
	ActorID     string         `json:"actorId"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data"`
	Timestamp   time.Time      `json:"timestamp"`
}
