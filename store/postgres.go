package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulse/model"
)

// ErrNotFound is returned when a service id has no row.
var ErrNotFound = errors.New("not found")

type DB struct {
	Pool *pgxpool.Pool
}

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS services (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL UNIQUE,
			type             TEXT NOT NULL,
			target           TEXT NOT NULL,
			config           JSONB NOT NULL DEFAULT '{}',
			interval_seconds INT NOT NULL DEFAULT 60,
			timeout_seconds  INT NOT NULL DEFAULT 30,
			active           BOOLEAN NOT NULL DEFAULT true,
			tags             JSONB NOT NULL DEFAULT '[]',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_services_active ON services(active);

		CREATE TABLE IF NOT EXISTS check_results (
			id          TEXT PRIMARY KEY,
			service_id  TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
			checked_at  TIMESTAMPTZ NOT NULL,
			success     BOOLEAN NOT NULL,
			latency_ms  DOUBLE PRECISION NOT NULL DEFAULT 0,
			status_code INT NOT NULL DEFAULT 0,
			message     TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			metadata    JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_check_results_service ON check_results(service_id, checked_at DESC);
		CREATE INDEX IF NOT EXISTS idx_check_results_checked_at ON check_results(checked_at);

		CREATE TABLE IF NOT EXISTS service_states (
			service_id           TEXT PRIMARY KEY REFERENCES services(id) ON DELETE CASCADE,
			status               TEXT NOT NULL DEFAULT 'unknown',
			consecutive_failures INT NOT NULL DEFAULT 0,
			last_check_at        TIMESTAMPTZ,
			last_latency_ms      DOUBLE PRECISION NOT NULL DEFAULT 0,
			uptime_percent       DOUBLE PRECISION NOT NULL DEFAULT 100,
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

// === Services ===

const serviceColumns = `id, name, type, target, config, interval_seconds, timeout_seconds, active, tags`

func scanService(row pgx.Row) (*model.Service, error) {
	var svc model.Service
	var config, tags []byte
	var intervalSec, timeoutSec int
	err := row.Scan(&svc.ID, &svc.Name, &svc.Type, &svc.Target, &config, &intervalSec, &timeoutSec, &svc.Active, &tags)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(config, &svc.Config); err != nil {
		return nil, fmt.Errorf("service %s config: %w", svc.ID, err)
	}
	if err := json.Unmarshal(tags, &svc.Tags); err != nil {
		return nil, fmt.Errorf("service %s tags: %w", svc.ID, err)
	}
	svc.Interval = time.Duration(intervalSec) * time.Second
	svc.Timeout = time.Duration(timeoutSec) * time.Second
	return &svc, nil
}

func (db *DB) CreateService(ctx context.Context, svc *model.Service) error {
	config, err := json.Marshal(svc.Config)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(svc.Tags)
	if err != nil {
		return err
	}
	if svc.Tags == nil {
		tags = []byte("[]")
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO services (id, name, type, target, config, interval_seconds, timeout_seconds, active, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		svc.ID, svc.Name, svc.Type, svc.Target, config,
		int(svc.IntervalOrDefault().Seconds()), int(svc.TimeoutOrDefault().Seconds()), svc.Active, tags,
	)
	return err
}

// UpsertSeed inserts seed-file services, keyed by name so repeated boots
// update rather than duplicate. Returns the number of new rows.
func (db *DB) UpsertSeed(ctx context.Context, services []*model.Service) (int, error) {
	created := 0
	for _, svc := range services {
		config, err := json.Marshal(svc.Config)
		if err != nil {
			return created, err
		}
		tags, err := json.Marshal(svc.Tags)
		if err != nil {
			return created, err
		}
		if svc.Tags == nil {
			tags = []byte("[]")
		}
		// xmax = 0 distinguishes a fresh insert from a conflict-update.
		var inserted bool
		err = db.Pool.QueryRow(ctx,
			`INSERT INTO services (id, name, type, target, config, interval_seconds, timeout_seconds, active, tags)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (name) DO UPDATE SET
				type = EXCLUDED.type,
				target = EXCLUDED.target,
				config = EXCLUDED.config,
				interval_seconds = EXCLUDED.interval_seconds,
				timeout_seconds = EXCLUDED.timeout_seconds,
				active = EXCLUDED.active,
				tags = EXCLUDED.tags,
				updated_at = now()
			 RETURNING (xmax = 0)`,
			svc.ID, svc.Name, svc.Type, svc.Target, config,
			int(svc.IntervalOrDefault().Seconds()), int(svc.TimeoutOrDefault().Seconds()), svc.Active, tags,
		).Scan(&inserted)
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", svc.Name, err)
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

func (db *DB) GetService(ctx context.Context, id string) (*model.Service, error) {
	svc, err := scanService(db.Pool.QueryRow(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return svc, err
}

func (db *DB) ListServices(ctx context.Context) ([]*model.Service, error) {
	return db.queryServices(ctx, `SELECT `+serviceColumns+` FROM services ORDER BY name`)
}

func (db *DB) ActiveServices(ctx context.Context) ([]*model.Service, error) {
	return db.queryServices(ctx, `SELECT `+serviceColumns+` FROM services WHERE active ORDER BY name`)
}

func (db *DB) queryServices(ctx context.Context, query string, args ...any) ([]*model.Service, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []*model.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

func (db *DB) DeleteService(ctx context.Context, id string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM services WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) SetServiceActive(ctx context.Context, id string, active bool) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE services SET active = $1, updated_at = now() WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// === Check results ===

func (db *DB) InsertCheckResult(ctx context.Context, r *model.CheckResult) error {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	if r.Metadata == nil {
		metadata = []byte("{}")
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO check_results (id, service_id, checked_at, success, latency_ms, status_code, message, error, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ServiceID, r.CheckedAt, r.Success, r.LatencyMs, r.StatusCode, r.Message, r.Error, metadata,
	)
	return err
}

// RecentChecks returns all checks for a service inside the trailing window,
// newest first.
func (db *DB) RecentChecks(ctx context.Context, serviceID string, window time.Duration) ([]*model.CheckResult, error) {
	since := time.Now().UTC().Add(-window)
	return db.queryChecks(ctx,
		`SELECT id, service_id, checked_at, success, latency_ms, status_code, message, error, metadata
		 FROM check_results WHERE service_id = $1 AND checked_at >= $2
		 ORDER BY checked_at DESC`,
		serviceID, since)
}

// CheckHistory returns the most recent checks for a service up to limit.
func (db *DB) CheckHistory(ctx context.Context, serviceID string, limit int) ([]*model.CheckResult, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryChecks(ctx,
		`SELECT id, service_id, checked_at, success, latency_ms, status_code, message, error, metadata
		 FROM check_results WHERE service_id = $1
		 ORDER BY checked_at DESC LIMIT $2`,
		serviceID, limit)
}

func (db *DB) queryChecks(ctx context.Context, query string, args ...any) ([]*model.CheckResult, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*model.CheckResult
	for rows.Next() {
		var r model.CheckResult
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.ServiceID, &r.CheckedAt, &r.Success, &r.LatencyMs,
			&r.StatusCode, &r.Message, &r.Error, &metadata); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, err
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// PruneCheckResults deletes history older than the retention period.
func (db *DB) PruneCheckResults(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	tag, err := db.Pool.Exec(ctx, `DELETE FROM check_results WHERE checked_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// === Service states ===

func (db *DB) UpdateServiceState(ctx context.Context, s *model.ServiceState) error {
	var lastCheck *time.Time
	if !s.LastCheckAt.IsZero() {
		lastCheck = &s.LastCheckAt
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO service_states (service_id, status, consecutive_failures, last_check_at, last_latency_ms, uptime_percent, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (service_id) DO UPDATE SET
			status = EXCLUDED.status,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_check_at = EXCLUDED.last_check_at,
			last_latency_ms = EXCLUDED.last_latency_ms,
			uptime_percent = EXCLUDED.uptime_percent,
			updated_at = now()`,
		s.ServiceID, s.Status, s.ConsecutiveFailures, lastCheck, s.LastLatencyMs, s.UptimePercent,
	)
	return err
}

func (db *DB) LoadServiceStates(ctx context.Context) ([]*model.ServiceState, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT service_id, status, consecutive_failures, last_check_at, last_latency_ms, uptime_percent
		 FROM service_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*model.ServiceState
	for rows.Next() {
		var s model.ServiceState
		var lastCheck *time.Time
		if err := rows.Scan(&s.ServiceID, &s.Status, &s.ConsecutiveFailures, &lastCheck, &s.LastLatencyMs, &s.UptimePercent); err != nil {
			return nil, err
		}
		if lastCheck != nil {
			s.LastCheckAt = *lastCheck
		}
		states = append(states, &s)
	}
	return states, rows.Err()
}

// === Stats ===

type Stats struct {
	TotalServices int            `json:"totalServices"`
	StatusCounts  map[string]int `json:"statusCounts"`
	AvgLatencyMs  float64        `json:"avgLatencyMs"`
	ChecksLastHr  int            `json:"checksLastHour"`
}

func (db *DB) DashboardStats(ctx context.Context) (*Stats, error) {
	s := &Stats{StatusCounts: make(map[string]int)}

	rows, err := db.Pool.Query(ctx, `
		SELECT st.status, COUNT(*)
		FROM services sv
		JOIN service_states st ON st.service_id = sv.id
		WHERE sv.active
		GROUP BY st.status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		s.StatusCounts[status] = count
		s.TotalServices += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hourAgo := time.Now().UTC().Add(-time.Hour)
	err = db.Pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(latency_ms), 0), COUNT(*)
		 FROM check_results WHERE checked_at >= $1`, hourAgo,
	).Scan(&s.AvgLatencyMs, &s.ChecksLastHr)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}

// Healthy checks the database connection.
func (db *DB) Healthy(ctx context.Context) error {
	var n int
	return db.Pool.QueryRow(ctx, "SELECT 1").Scan(&n)
}
