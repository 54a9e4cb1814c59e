package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

// =============================================================================
// PostgresStore
// =============================================================================

// PostgresStore implements Store using PostgreSQL. It is the store to use when
// runner instances live on different hosts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, NewStoreError("NewPostgresStore", "", "", fmt.Sprintf("parse dsn: %v", err), ErrConnectionFailed)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, NewStoreError("NewPostgresStore", "", "", fmt.Sprintf("new pool: %v", err), ErrConnectionFailed)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, NewStoreError("NewPostgresStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runPostgresMigrations(pool); err != nil {
		pool.Close()
		return nil, NewStoreError("NewPostgresStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &PostgresStore{pool: pool}, nil
}

// runPostgresMigrations runs the embedded migrations through a database/sql
// handle borrowed from the pool.
func runPostgresMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(postgresMigrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("Ping", "", "", err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgTime truncates to the column precision so claimed_at comparisons match.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// =============================================================================
// Request Operations
// =============================================================================

func (s *PostgresStore) CreateRequest(ctx context.Context, req *domain.DeploymentRequest) error {
	query := `
		INSERT INTO deployment_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, query,
		req.ID, req.RepoURL, req.TargetCount, req.InstallCommand, req.BuildCommand, req.StartCommand,
		req.Port, string(req.Status), pgTime(req.CreatedAt), pgTimePtr(req.ClaimedAt), req.ClaimedBy,
		pgTimePtr(req.CompletedAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return NewStoreError("CreateRequest", "request", req.ID, "request with this ID already exists", ErrDuplicateID)
		}
		return unavailable("CreateRequest", "request", req.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*domain.DeploymentRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM deployment_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NewStoreError("GetRequest", "request", id, "request not found", ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("GetRequest", "request", id, err)
	}
	return req, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, opts ListOptions) ([]domain.DeploymentRequest, error) {
	opts = opts.Normalize()
	query := `SELECT ` + requestColumns + ` FROM deployment_requests ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	return s.queryRequests(ctx, "ListRequests", query, opts.Limit, opts.Offset)
}

func (s *PostgresStore) ListPendingRequests(ctx context.Context, limit int) ([]domain.DeploymentRequest, error) {
	limit = ListOptions{Limit: limit}.Normalize().Limit
	query := `SELECT ` + requestColumns + ` FROM deployment_requests
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`
	return s.queryRequests(ctx, "ListPendingRequests", query, limit)
}

func (s *PostgresStore) ListExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]domain.DeploymentRequest, error) {
	limit = ListOptions{Limit: limit}.Normalize().Limit
	query := `SELECT ` + requestColumns + ` FROM deployment_requests
		WHERE status = 'processing' AND (claimed_at IS NULL OR claimed_at < $1)
		ORDER BY claimed_at ASC NULLS FIRST LIMIT $2`
	return s.queryRequests(ctx, "ListExpiredClaims", query, pgTime(cutoff), limit)
}

func (s *PostgresStore) queryRequests(ctx context.Context, op, query string, args ...any) ([]domain.DeploymentRequest, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, "request", "", err)
	}
	defer rows.Close()

	var requests []domain.DeploymentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, unavailable(op, "request", "", err)
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, "request", "", err)
	}
	return requests, nil
}

func (s *PostgresStore) ClaimRequest(ctx context.Context, id string, expect ClaimExpectation, claimant string, now time.Time) error {
	if err := domain.ValidateRequestTransition(expect.Status, domain.RequestProcessing); err != nil {
		return NewStoreError("ClaimRequest", "request", id, err.Error(), err)
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	switch {
	case expect.Status == domain.RequestPending:
		tag, err = s.pool.Exec(ctx, `
			UPDATE deployment_requests SET status = 'processing', claimed_at = $1, claimed_by = $2
			WHERE id = $3 AND status = 'pending'`,
			pgTime(now), claimant, id)
	case expect.ClaimedAt != nil:
		tag, err = s.pool.Exec(ctx, `
			UPDATE deployment_requests SET claimed_at = $1, claimed_by = $2
			WHERE id = $3 AND status = 'processing' AND claimed_at = $4`,
			pgTime(now), claimant, id, pgTime(*expect.ClaimedAt))
	default:
		tag, err = s.pool.Exec(ctx, `
			UPDATE deployment_requests SET claimed_at = $1, claimed_by = $2
			WHERE id = $3 AND status = 'processing' AND claimed_at IS NULL`,
			pgTime(now), claimant, id)
	}
	if err != nil {
		return unavailable("ClaimRequest", "request", id, err)
	}
	if tag.RowsAffected() == 0 {
		return NewStoreError("ClaimRequest", "request", id, "claim lost to another instance", domain.ErrClaimConflict)
	}
	return nil
}

func (s *PostgresStore) CompleteRequest(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deployment_requests SET status = 'completed', completed_at = $1
		WHERE id = $2 AND status = 'processing'`,
		pgTime(now), id)
	if err != nil {
		return unavailable("CompleteRequest", "request", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	return completeMismatch(req)
}

// =============================================================================
// Result Operations
// =============================================================================

func (s *PostgresStore) CreateResult(ctx context.Context, result *domain.DeploymentResult) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, NewStoreError("CreateResult", "result", result.RequestID, "failed to serialize result", ErrInvalidData)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO deployment_results (
			request_id, overall_status, successful_count, target_count,
			total_duration_ms, executed_by, completed_at, result
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO NOTHING`,
		result.RequestID, string(result.OverallStatus), result.SuccessfulCount, result.TargetCount,
		result.TotalDuration.Milliseconds(), result.ExecutedBy, pgTime(result.CompletedAt), data,
	)
	if err != nil {
		return false, unavailable("CreateResult", "result", result.RequestID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetResult(ctx context.Context, requestID string) (*domain.DeploymentResult, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM deployment_results WHERE request_id = $1`, requestID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NewStoreError("GetResult", "result", requestID, "result not found", ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("GetResult", "result", requestID, err)
	}
	return decodeResult(requestID, data)
}

func (s *PostgresStore) ListResults(ctx context.Context, filter ResultFilter) ([]domain.DeploymentResult, error) {
	opts := filter.ListOptions.Normalize()

	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("overall_status = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, pgTime(*filter.Since))
		conds = append(conds, fmt.Sprintf("completed_at >= $%d", len(args)))
	}
	if filter.Until != nil {
		args = append(args, pgTime(*filter.Until))
		conds = append(conds, fmt.Sprintf("completed_at < $%d", len(args)))
	}

	query := `SELECT request_id, result FROM deployment_results`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, opts.Limit, opts.Offset)
	query += fmt.Sprintf(` ORDER BY completed_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("ListResults", "result", "", err)
	}
	defer rows.Close()

	var results []domain.DeploymentResult
	for rows.Next() {
		var (
			requestID string
			data      []byte
		)
		if err := rows.Scan(&requestID, &data); err != nil {
			return nil, unavailable("ListResults", "result", "", err)
		}
		result, err := decodeResult(requestID, data)
		if err != nil {
			return nil, err
		}
		results = append(results, *result)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("ListResults", "result", "", err)
	}
	return results, nil
}

// =============================================================================
// Scanning
// =============================================================================

func scanRequest(row pgx.Row) (*domain.DeploymentRequest, error) {
	var (
		req    domain.DeploymentRequest
		status string
	)
	err := row.Scan(
		&req.ID,
		&req.RepoURL,
		&req.TargetCount,
		&req.InstallCommand,
		&req.BuildCommand,
		&req.StartCommand,
		&req.Port,
		&status,
		&req.CreatedAt,
		&req.ClaimedAt,
		&req.ClaimedBy,
		&req.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Status = domain.RequestStatus(status)
	req.CreatedAt = req.CreatedAt.UTC()
	if req.ClaimedAt != nil {
		t := req.ClaimedAt.UTC()
		req.ClaimedAt = &t
	}
	if req.CompletedAt != nil {
		t := req.CompletedAt.UTC()
		req.CompletedAt = &t
	}
	return &req, nil
}

func decodeResult(requestID string, data []byte) (*domain.DeploymentResult, error) {
	var result domain.DeploymentResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, NewStoreError("decodeResult", "result", requestID, "failed to parse result", ErrInvalidData)
	}
	return &result, nil
}

func pgTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := pgTime(*t)
	return &v
}
