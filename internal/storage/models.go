package storage

import (
	"time"

	"txwatch/internal/model"
)

// AlertRecord is a persisted anomaly alert together with its insert time.
type AlertRecord struct {
	model.Alert
	CreatedAt time.Time
}

// AlertBucket counts alerts of one type within a time bucket.
type AlertBucket struct {
	Bucket time.Time
	Type   model.AlertType
	Count  int64
}
