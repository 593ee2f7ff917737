package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// errNoMatch is returned by conditional updates when the row exists but the
// status precondition no longer holds. The service layer re-reads the record
// and surfaces a StateTransitionError naming the actual current status.
var errNoMatch = errors.New("enrollment status precondition not met")

const enrollmentColumns = `
	enrollment_id, requester_code, requester_name, requester_cert_pem,
	requester_fingerprint, oidc_discovery_url, api_url, idp_url, contact_email,
	requested_capabilities, requested_trust_level, approver_code,
	approver_fingerprint, challenge_nonce, enrollment_signature, status,
	status_history, approver_credentials, requester_credentials,
	created_at, updated_at, expires_at`

// Repository is the Postgres-backed enrollment store. Competing transitions
// on the same enrollment are serialized by conditional updates rather than
// application locks: every status write carries its expected predecessor.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a Repository.
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

// Create inserts a new enrollment row.
func (r *Repository) Create(ctx context.Context, e *Enrollment) error {
	history, err := json.Marshal(e.StatusHistory)
	if err != nil {
		return fmt.Errorf("marshal status history: %w", err)
	}

	const q = `
		INSERT INTO enrollments (
			enrollment_id, requester_code, requester_name, requester_cert_pem,
			requester_fingerprint, oidc_discovery_url, api_url, idp_url, contact_email,
			requested_capabilities, requested_trust_level, approver_code,
			approver_fingerprint, challenge_nonce, enrollment_signature, status,
			status_history, expires_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING created_at, updated_at`

	row := r.pool.QueryRow(ctx, q,
		e.EnrollmentID, e.RequesterCode, e.RequesterName, e.RequesterCertPEM,
		e.RequesterFingerprint, e.OIDCDiscoveryURL, e.APIURL, e.IdPURL, e.ContactEmail,
		e.RequestedCapabilities, e.RequestedTrustLevel, e.ApproverCode,
		e.ApproverFingerprint, e.ChallengeNonce, e.EnrollmentSignature, string(e.Status),
		history, e.ExpiresAt,
	)
	return row.Scan(&e.CreatedAt, &e.UpdatedAt)
}

// GetByID fetches an enrollment by its public-facing id.
func (r *Repository) GetByID(ctx context.Context, enrollmentID string) (*Enrollment, error) {
	q := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE enrollment_id = $1`
	return r.scan(r.pool.QueryRow(ctx, q, enrollmentID))
}

// FindNonTerminalByRequester returns the requester's in-flight enrollment, if
// any. Active enrollments count: a federated instance must revoke before
// re-enrolling.
func (r *Repository) FindNonTerminalByRequester(ctx context.Context, requesterCode string) (*Enrollment, error) {
	q := `SELECT ` + enrollmentColumns + `
		FROM enrollments
		WHERE requester_code = $1 AND status NOT IN ('rejected','revoked','expired')
		ORDER BY created_at DESC
		LIMIT 1`
	return r.scan(r.pool.QueryRow(ctx, q, requesterCode))
}

// UpdateStatus conditionally transitions an enrollment from → entry.Status,
// appending entry to the history log in the same statement. Returns errNoMatch
// when the row's status is no longer from.
func (r *Repository) UpdateStatus(ctx context.Context, enrollmentID string, from Status, entry HistoryEntry) error {
	entryJSON, err := json.Marshal([]HistoryEntry{entry})
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	const q = `
		UPDATE enrollments
		SET status = $1, status_history = status_history || $2::jsonb, updated_at = now()
		WHERE enrollment_id = $3 AND status = $4`

	tag, err := r.pool.Exec(ctx, q, string(entry.Status), entryJSON, enrollmentID, string(from))
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errNoMatch
	}
	return nil
}

// SetApproverCredentials stores the approver-issued OIDC client metadata.
// The record must be approved; the status does not change until the requester
// returns its own credentials.
func (r *Repository) SetApproverCredentials(ctx context.Context, enrollmentID string, creds *ClientCredentials) error {
	credsJSON, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal approver credentials: %w", err)
	}

	const q = `
		UPDATE enrollments
		SET approver_credentials = $1, updated_at = now()
		WHERE enrollment_id = $2 AND status = $3`

	tag, err := r.pool.Exec(ctx, q, credsJSON, enrollmentID, string(StatusApproved))
	if err != nil {
		return fmt.Errorf("set approver credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errNoMatch
	}
	return nil
}

// SetRequesterCredentials stores the requester's OIDC client metadata and
// transitions approved → credentials_exchanged in a single statement.
func (r *Repository) SetRequesterCredentials(ctx context.Context, enrollmentID string, creds *ClientCredentials, entry HistoryEntry) error {
	credsJSON, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal requester credentials: %w", err)
	}
	entryJSON, err := json.Marshal([]HistoryEntry{entry})
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	const q = `
		UPDATE enrollments
		SET requester_credentials = $1,
		    status = $2,
		    status_history = status_history || $3::jsonb,
		    updated_at = now()
		WHERE enrollment_id = $4 AND status = $5`

	tag, err := r.pool.Exec(ctx, q, credsJSON, string(StatusCredentialsExchanged), entryJSON, enrollmentID, string(StatusApproved))
	if err != nil {
		return fmt.Errorf("set requester credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errNoMatch
	}
	return nil
}

// List returns enrollments filtered by status with pagination.
// An empty status returns all records.
func (r *Repository) List(ctx context.Context, status Status, limit, offset int) ([]*Enrollment, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		q := `SELECT ` + enrollmentColumns + `
			FROM enrollments ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err = r.pool.Query(ctx, q, limit, offset)
	} else {
		q := `SELECT ` + enrollmentColumns + `
			FROM enrollments WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		rows, err = r.pool.Query(ctx, q, string(status), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var result []*Enrollment
	for rows.Next() {
		e, scanErr := r.scan(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// DeleteExpired removes enrollments whose TTL has elapsed before reaching a
// terminal or active state. Safe to call from a background sweep.
func (r *Repository) DeleteExpired(ctx context.Context) (int64, error) {
	const q = `
		DELETE FROM enrollments
		WHERE expires_at < now()
		  AND status NOT IN ('rejected','revoked','expired','active')`

	tag, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("delete expired enrollments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scan reads a single enrollment from a pgx.Row or pgx.Rows.
func (r *Repository) scan(row pgx.Row) (*Enrollment, error) {
	e := &Enrollment{}
	var (
		status        string
		historyJSON   []byte
		approverJSON  []byte
		requesterJSON []byte
	)
	err := row.Scan(
		&e.EnrollmentID, &e.RequesterCode, &e.RequesterName, &e.RequesterCertPEM,
		&e.RequesterFingerprint, &e.OIDCDiscoveryURL, &e.APIURL, &e.IdPURL, &e.ContactEmail,
		&e.RequestedCapabilities, &e.RequestedTrustLevel, &e.ApproverCode,
		&e.ApproverFingerprint, &e.ChallengeNonce, &e.EnrollmentSignature, &status,
		&historyJSON, &approverJSON, &requesterJSON,
		&e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan enrollment: %w", err)
	}

	e.Status = Status(status)
	if err := json.Unmarshal(historyJSON, &e.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshal status history: %w", err)
	}
	if len(approverJSON) > 0 {
		e.ApproverCredentials = &ClientCredentials{}
		if err := json.Unmarshal(approverJSON, e.ApproverCredentials); err != nil {
			return nil, fmt.Errorf("unmarshal approver credentials: %w", err)
		}
	}
	if len(requesterJSON) > 0 {
		e.RequesterCredentials = &ClientCredentials{}
		if err := json.Unmarshal(requesterJSON, e.RequesterCredentials); err != nil {
			return nil, fmt.Errorf("unmarshal requester credentials: %w", err)
		}
	}
	return e, nil
}
