package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/tokenswap/service/metrics"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Decision values stored for each co-sign request.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// CosignRecord is one audited co-sign decision.
type CosignRecord struct {
	ID          uuid.UUID
	Operation   string
	FeePayer    string
	Amount      uint64
	MessageHash string
	Decision    string
	Reason      *string // set when rejected
	Signature   *string // set when approved
	CreatedAt   time.Time
}

// CreateCosignParams contains the parameters for recording a co-sign decision.
type CreateCosignParams struct {
	Operation   string
	FeePayer    string
	Amount      uint64
	MessageHash string
	Decision    string
	Reason      *string
	Signature   *string
}

// ListCosignsParams contains filter and pagination parameters.
// An empty FeePayer lists every fee payer.
type ListCosignsParams struct {
	FeePayer string
	Limit    int32
	Offset   int32
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

const cosignColumns = `id, operation, fee_payer, amount::text, message_hash, decision, reason, signature, created_at`

// CreateCosign inserts a co-sign decision and returns the stored record.
func (s *Store) CreateCosign(ctx context.Context, params CreateCosignParams) (*CosignRecord, error) {
	if params.Decision != DecisionApproved && params.Decision != DecisionRejected {
		return nil, fmt.Errorf("invalid decision %q", params.Decision)
	}

	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO cosign_requests (id, operation, fee_payer, amount, message_hash, decision, reason, signature)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
		RETURNING `+cosignColumns,
		uuid.New(),
		params.Operation,
		params.FeePayer,
		strconv.FormatUint(params.Amount, 10),
		params.MessageHash,
		params.Decision,
		pgtextFromStringPtr(params.Reason),
		pgtextFromStringPtr(params.Signature),
	)
	rec, err := scanCosign(row)
	s.record("create_cosign", start, err)
	if err != nil {
		return nil, fmt.Errorf("insert cosign request: %w", err)
	}
	return rec, nil
}

// GetCosign retrieves a co-sign record by id.
func (s *Store) GetCosign(ctx context.Context, id uuid.UUID) (*CosignRecord, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+cosignColumns+` FROM cosign_requests WHERE id = $1`, id)
	rec, err := scanCosign(row)
	s.record("get_cosign", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cosign request: %w", err)
	}
	return rec, nil
}

// ListCosigns returns co-sign records, newest first.
func (s *Store) ListCosigns(ctx context.Context, params ListCosignsParams) ([]*CosignRecord, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+cosignColumns+`
		FROM cosign_requests
		WHERE ($1 = '' OR fee_payer = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`,
		params.FeePayer, params.Limit, params.Offset,
	)
	if err != nil {
		s.record("list_cosigns", start, err)
		return nil, fmt.Errorf("list cosign requests: %w", err)
	}
	defer rows.Close()

	var records []*CosignRecord
	for rows.Next() {
		rec, err := scanCosign(rows)
		if err != nil {
			s.record("list_cosigns", start, err)
			return nil, fmt.Errorf("scan cosign request: %w", err)
		}
		records = append(records, rec)
	}
	err = rows.Err()
	s.record("list_cosigns", start, err)
	if err != nil {
		return nil, fmt.Errorf("list cosign requests: %w", err)
	}
	return records, nil
}

// CountCosigns counts co-sign records for a fee payer, or all records if feePayer is empty.
func (s *Store) CountCosigns(ctx context.Context, feePayer string) (int64, error) {
	start := time.Now()
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM cosign_requests WHERE ($1 = '' OR fee_payer = $1)`, feePayer,
	).Scan(&n)
	s.record("count_cosigns", start, err)
	if err != nil {
		return 0, fmt.Errorf("count cosign requests: %w", err)
	}
	return n, nil
}

// DeleteCosignsOlderThan removes records created before the given time.
func (s *Store) DeleteCosignsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM cosign_requests WHERE created_at < $1`, before)
	s.record("delete_cosigns", start, err)
	if err != nil {
		return 0, fmt.Errorf("delete cosign requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) record(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	s.metrics.RecordDBQuery(op, "cosign_requests", time.Since(start).Seconds(), err)
}

func scanCosign(row pgx.Row) (*CosignRecord, error) {
	var (
		rec       CosignRecord
		amount    string
		reason    pgtype.Text
		signature pgtype.Text
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Operation,
		&rec.FeePayer,
		&amount,
		&rec.MessageHash,
		&rec.Decision,
		&reason,
		&signature,
		&createdAt,
	); err != nil {
		return nil, err
	}

	n, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	rec.Amount = n
	rec.Reason = stringPtrFromPgtext(reason)
	rec.Signature = stringPtrFromPgtext(signature)
	rec.CreatedAt = createdAt.Time
	return &rec, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
