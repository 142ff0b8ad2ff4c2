package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"txwatch/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAlertSQL = `INSERT INTO anomaly_alerts (
        id,
        alert_type,
        severity,
        actor_id,
        description,
        data,
        emitted_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (id) DO NOTHING;`

	selectAlertColumns = `SELECT
        id,
        alert_type,
        severity,
        actor_id,
        description,
        data,
        emitted_at,
        created_at
    FROM anomaly_alerts`

	listRecentAlertsSQL = selectAlertColumns + `
    ORDER BY emitted_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = selectAlertColumns + `
    WHERE emitted_at >= $1
      AND emitted_at < $2
    ORDER BY emitted_at;`

	listAlertsByActorSQL = selectAlertColumns + `
    WHERE actor_id = $1
    ORDER BY emitted_at DESC
    LIMIT $2;`

	countAlertBucketsSQL = `SELECT
        to_timestamp(floor(extract(epoch FROM emitted_at)::double precision / $3::double precision) * $3::double precision) AS bucket,
        alert_type,
        COUNT(*)
    FROM anomaly_alerts
    WHERE emitted_at >= $1
      AND emitted_at < $2
    GROUP BY bucket, alert_type
    ORDER BY bucket, alert_type;`

	deleteAlertsBeforeSQL = `DELETE FROM anomaly_alerts WHERE emitted_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert model.Alert) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error)
	ListAlertsByActor(ctx context.Context, actorID string, limit int) ([]AlertRecord, error)
	CountAlertBuckets(ctx context.Context, from, to time.Time, bucket time.Duration) ([]AlertBucket, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists anomaly alerts in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Closing the session releases the lock anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists an alert. Re-inserting the same id is a no-op.
func (s *Store) InsertAlert(ctx context.Context, alert model.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	data, err := encodeData(alert.Data)
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		string(alert.Type),
		string(alert.Severity),
		alert.ActorID,
		alert.Description,
		data,
		alert.Timestamp,
	); execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists the most recent alerts, newest first.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	return s.queryAlerts(ctx, "list recent alerts", listRecentAlertsSQL, limit)
}

// ListAlertsBetween lists alerts emitted in [from, to), oldest first.
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error) {
	return s.queryAlerts(ctx, "list alerts between", listAlertsBetweenSQL, from, to)
}

// ListAlertsByActor lists an actor's alerts, newest first.
func (s *Store) ListAlertsByActor(ctx context.Context, actorID string, limit int) ([]AlertRecord, error) {
	return s.queryAlerts(ctx, "list alerts by actor", listAlertsByActorSQL, actorID, limit)
}

// CountAlertBuckets groups alerts in [from, to) into fixed buckets per type.
func (s *Store) CountAlertBuckets(ctx context.Context, from, to time.Time, bucket time.Duration) ([]AlertBucket, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if bucket <= 0 {
		return nil, fmt.Errorf("bucket must be positive")
	}

	rows, queryErr := pool.Query(ctx, countAlertBucketsSQL, from, to, bucket.Seconds())
	if queryErr != nil {
		return nil, fmt.Errorf("count alert buckets: %w", queryErr)
	}
	defer rows.Close()

	buckets := make([]AlertBucket, 0)
	for rows.Next() {
		var (
			b   AlertBucket
			typ string
		)
		if err := rows.Scan(&b.Bucket, &typ, &b.Count); err != nil {
			return nil, err
		}
		b.Type = model.AlertType(typ)
		b.Bucket = b.Bucket.UTC()
		buckets = append(buckets, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return buckets, nil
}

// DeleteAlertsBefore deletes historical alerts and reports how many were removed.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryAlerts(ctx context.Context, op, query string, args ...any) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode alert data: %w", err)
	}
	return raw, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		id          uuid.UUID
		alertType   string
		severity    string
		actorID     string
		description string
		data        []byte
		emittedAt   time.Time
		createdAt   time.Time
	)

	if err := rows.Scan(
		&id,
		&alertType,
		&severity,
		&actorID,
		&description,
		&data,
		&emittedAt,
		&createdAt,
	); err != nil {
		return AlertRecord{}, err
	}

	rec := AlertRecord{
		Alert: model.Alert{
			ID:          id,
			Type:        model.AlertType(alertType),
			Severity:    model.Severity(severity),
			ActorID:     actorID,
			Description: description,
			Timestamp:   emittedAt,
		},
		CreatedAt: createdAt,
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return AlertRecord{}, fmt.Errorf("decode alert data: %w", err)
		}
	}
	return rec, nil
}
