package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	masterdata "attendance-cloud/internal/masterdata/domain"
)

const defaultDevicesTable = "devices"

// DeviceRepository is a Postgres implementation for devices.
type DeviceRepository struct {
	db    *sql.DB
	table string
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db *sql.DB, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Get loads a device by id.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if id == "" {
		return nil, errors.New("device repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, name, host, port, family, active, poll_interval_seconds, last_sync_at, health, created_at, updated_at
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return device, nil
}

// ListActive loads devices flagged active.
func (r *DeviceRepository) ListActive(ctx context.Context) ([]masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT id, name, host, port, family, active, poll_interval_seconds, last_sync_at, health, created_at, updated_at
FROM %s
WHERE active = TRUE
ORDER BY id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	return result, rows.Err()
}

// Save upserts a device.
func (r *DeviceRepository) Save(ctx context.Context, device *masterdata.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := fmt.Sprintf(`
INSERT INTO %s (id, name, host, port, family, active, poll_interval_seconds, last_sync_at, health, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	host = EXCLUDED.host,
	port = EXCLUDED.port,
	family = EXCLUDED.family,
	active = EXCLUDED.active,
	poll_interval_seconds = EXCLUDED.poll_interval_seconds,
	updated_at = EXCLUDED.updated_at`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		device.ID,
		device.Name,
		device.Host,
		device.Port,
		string(device.Family),
		device.Active,
		int64(device.PollInterval/time.Second),
		device.LastSyncAt,
		string(device.Health),
		device.CreatedAt,
		device.UpdatedAt,
	)
	return err
}

// RecordSyncAttempt records the outcome of a poll attempt.
// A successful attempt advances last_sync_at; a failed one only touches updated_at.
func (r *DeviceRepository) RecordSyncAttempt(ctx context.Context, id string, success bool, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if id == "" {
		return errors.New("device repo: empty id")
	}

	at = at.UTC()
	if success {
		query := fmt.Sprintf(`
UPDATE %s SET last_sync_at = $2, health = $3, updated_at = $2 WHERE id = $1`, r.table)
		_, err := r.db.ExecContext(ctx, query, id, at, string(masterdata.HealthOnline))
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET updated_at = $2 WHERE id = $1`, r.table)
	_, err := r.db.ExecContext(ctx, query, id, at)
	return err
}

// SetHealth updates the device health state.
func (r *DeviceRepository) SetHealth(ctx context.Context, id string, state masterdata.HealthState) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if id == "" {
		return errors.New("device repo: empty id")
	}
	query := fmt.Sprintf(`UPDATE %s SET health = $2, updated_at = $3 WHERE id = $1`, r.table)
	_, err := r.db.ExecContext(ctx, query, id, string(state), time.Now().UTC())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*masterdata.Device, error) {
	var (
		device       masterdata.Device
		family       string
		health       string
		intervalSecs int64
		lastSync     sql.NullTime
	)
	if err := row.Scan(
		&device.ID,
		&device.Name,
		&device.Host,
		&device.Port,
		&family,
		&device.Active,
		&intervalSecs,
		&lastSync,
		&health,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		return nil, err
	}
	device.Family = masterdata.ParseFamily(family)
	device.Health = masterdata.HealthState(health)
	device.PollInterval = time.Duration(intervalSecs) * time.Second
	if lastSync.Valid {
		ts := lastSync.Time.UTC()
		device.LastSyncAt = &ts
	}
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return &device, nil
}
