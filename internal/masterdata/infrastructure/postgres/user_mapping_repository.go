package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	masterdata "attendance-cloud/internal/masterdata/domain"
)

const defaultUserMappingsTable = "device_user_mappings"

// UserMappingRepository is a Postgres implementation for identity mappings.
type UserMappingRepository struct {
	db    *sql.DB
	table string
}

// NewUserMappingRepository constructs a repository.
func NewUserMappingRepository(db *sql.DB, opts ...UserMappingOption) *UserMappingRepository {
	repo := &UserMappingRepository{db: db, table: defaultUserMappingsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// UserMappingOption configures the repository.
type UserMappingOption func(*UserMappingRepository)

// WithUserMappingTable overrides the table name.
func WithUserMappingTable(table string) UserMappingOption {
	return func(repo *UserMappingRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// FindByDeviceUserID resolves a device-local user id. Returns (nil, nil) when unmapped.
func (r *UserMappingRepository) FindByDeviceUserID(ctx context.Context, deviceUserID string) (*masterdata.UserMapping, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("user mapping repo: nil db")
	}
	if deviceUserID == "" {
		return nil, errors.New("user mapping repo: empty device user id")
	}

	query := fmt.Sprintf(`
SELECT device_user_id, user_id, employee_code, office_id, created_at, updated_at
FROM %s
WHERE device_user_id = $1
LIMIT 1`, r.table)

	var mapping masterdata.UserMapping
	if err := r.db.QueryRowContext(ctx, query, deviceUserID).Scan(
		&mapping.DeviceUserID,
		&mapping.UserID,
		&mapping.EmployeeCode,
		&mapping.OfficeID,
		&mapping.CreatedAt,
		&mapping.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	mapping.CreatedAt = mapping.CreatedAt.UTC()
	mapping.UpdatedAt = mapping.UpdatedAt.UTC()
	return &mapping, nil
}

// Save upserts a mapping.
func (r *UserMappingRepository) Save(ctx context.Context, mapping *masterdata.UserMapping) error {
	if r == nil || r.db == nil {
		return errors.New("user mapping repo: nil db")
	}
	if mapping == nil {
		return errors.New("user mapping repo: nil mapping")
	}
	if err := mapping.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now

	query := fmt.Sprintf(`
INSERT INTO %s (device_user_id, user_id, employee_code, office_id, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (device_user_id) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	employee_code = EXCLUDED.employee_code,
	office_id = EXCLUDED.office_id,
	updated_at = EXCLUDED.updated_at`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		mapping.DeviceUserID,
		mapping.UserID,
		mapping.EmployeeCode,
		mapping.OfficeID,
		mapping.CreatedAt,
		mapping.UpdatedAt,
	)
	return err
}
