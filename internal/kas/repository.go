package kas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a KAS or agreement lookup finds no row.
var ErrNotFound = errors.New("kas instance not found")

// ErrInvalidStatus is returned when a lifecycle change is attempted on an
// instance whose current status does not permit it.
var ErrInvalidStatus = errors.New("kas status does not permit this operation")

// errNoMatch is returned by conditional updates when the status precondition
// no longer holds.
var errNoMatch = errors.New("kas status precondition not met")

const kasColumns = `
	kas_id, country_code, kas_url, internal_kas_url, auth_method, auth_config,
	trust_level, supported_countries, supported_cois, status, enabled,
	suspend_reason, last_heartbeat_at, created_at, updated_at`

// Repository is the Postgres-backed KAS registry store.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a Repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

// Create inserts a new KAS row. Uniqueness of kas_id and kas_url is enforced
// by the schema.
func (r *Repository) Create(ctx context.Context, k *Instance) error {
	authConfig, err := json.Marshal(k.AuthConfig)
	if err != nil {
		return fmt.Errorf("marshal auth config: %w", err)
	}

	const q = `
		INSERT INTO kas_instances (
			kas_id, country_code, kas_url, internal_kas_url, auth_method, auth_config,
			trust_level, supported_countries, supported_cois, status, enabled
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`

	row := r.pool.QueryRow(ctx, q,
		k.KASID, k.CountryCode, k.KASURL, k.InternalKASURL, k.AuthMethod, authConfig,
		k.TrustLevel, k.SupportedCountries, k.SupportedCOIs, string(k.Status), k.Enabled,
	)
	return row.Scan(&k.CreatedAt, &k.UpdatedAt)
}

// GetByID fetches a KAS instance by its id.
func (r *Repository) GetByID(ctx context.Context, kasID string) (*Instance, error) {
	q := `SELECT ` + kasColumns + ` FROM kas_instances WHERE kas_id = $1`
	return r.scan(r.pool.QueryRow(ctx, q, kasID))
}

// List returns KAS instances filtered by status; empty status returns all.
func (r *Repository) List(ctx context.Context, status Status, limit, offset int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		q := `SELECT ` + kasColumns + ` FROM kas_instances ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err = r.pool.Query(ctx, q, limit, offset)
	} else {
		q := `SELECT ` + kasColumns + ` FROM kas_instances WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		rows, err = r.pool.Query(ctx, q, string(status), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list kas instances: %w", err)
	}
	defer rows.Close()

	var result []*Instance
	for rows.Next() {
		k, scanErr := r.scan(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

// Approve conditionally flips pending → active and enables the instance.
func (r *Repository) Approve(ctx context.Context, kasID string) error {
	const q = `
		UPDATE kas_instances
		SET status = $1, enabled = true, suspend_reason = '', updated_at = now()
		WHERE kas_id = $2 AND status = $3`

	tag, err := r.pool.Exec(ctx, q, string(StatusActive), kasID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("approve kas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errNoMatch
	}
	return nil
}

// Reapprove flips suspended → active, used by idempotent re-registration.
func (r *Repository) Reapprove(ctx context.Context, kasID string) error {
	const q = `
		UPDATE kas_instances
		SET status = $1, enabled = true, suspend_reason = '', updated_at = now()
		WHERE kas_id = $2 AND status = $3`

	tag, err := r.pool.Exec(ctx, q, string(StatusActive), kasID, string(StatusSuspended))
	if err != nil {
		return fmt.Errorf("reapprove kas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errNoMatch
	}
	return nil
}

// Suspend disables an instance and records the reason.
func (r *Repository) Suspend(ctx context.Context, kasID, reason string) error {
	const q = `
		UPDATE kas_instances
		SET status = $1, enabled = false, suspend_reason = $2, updated_at = now()
		WHERE kas_id = $3`

	tag, err := r.pool.Exec(ctx, q, string(StatusSuspended), reason, kasID)
	if err != nil {
		return fmt.Errorf("suspend kas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Heartbeat timestamps instance liveness.
func (r *Repository) Heartbeat(ctx context.Context, kasID string) error {
	const q = `UPDATE kas_instances SET last_heartbeat_at = now(), updated_at = now() WHERE kas_id = $1`

	tag, err := r.pool.Exec(ctx, q, kasID)
	if err != nil {
		return fmt.Errorf("kas heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAgreement fetches the federation agreement for a country.
func (r *Repository) GetAgreement(ctx context.Context, countryCode string) (*Agreement, error) {
	const q = `
		SELECT country_code, trusted_kas_ids, max_classification, allowed_cois, updated_at
		FROM kas_agreements
		WHERE country_code = $1`

	a := &Agreement{}
	err := r.pool.QueryRow(ctx, q, countryCode).Scan(
		&a.CountryCode, &a.TrustedKASIDs, &a.MaxClassification, &a.AllowedCOIs, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agreement: %w", err)
	}
	return a, nil
}

// UpsertAgreement writes the full agreement record for a country.
func (r *Repository) UpsertAgreement(ctx context.Context, a *Agreement) error {
	const q = `
		INSERT INTO kas_agreements (country_code, trusted_kas_ids, max_classification, allowed_cois, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (country_code) DO UPDATE
		SET trusted_kas_ids = EXCLUDED.trusted_kas_ids,
		    max_classification = EXCLUDED.max_classification,
		    allowed_cois = EXCLUDED.allowed_cois,
		    updated_at = now()`

	if _, err := r.pool.Exec(ctx, q, a.CountryCode, a.TrustedKASIDs, a.MaxClassification, a.AllowedCOIs); err != nil {
		return fmt.Errorf("upsert agreement: %w", err)
	}
	return nil
}

func (r *Repository) scan(row pgx.Row) (*Instance, error) {
	k := &Instance{}
	var (
		status     string
		authConfig []byte
	)
	err := row.Scan(
		&k.KASID, &k.CountryCode, &k.KASURL, &k.InternalKASURL, &k.AuthMethod, &authConfig,
		&k.TrustLevel, &k.SupportedCountries, &k.SupportedCOIs, &status, &k.Enabled,
		&k.SuspendReason, &k.LastHeartbeatAt, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan kas instance: %w", err)
	}
	k.Status = Status(status)
	if len(authConfig) > 0 {
		if err := json.Unmarshal(authConfig, &k.AuthConfig); err != nil {
			return nil, fmt.Errorf("unmarshal auth config: %w", err)
		}
	}
	return k, nil
}
