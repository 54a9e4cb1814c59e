package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite. Several runner processes may
// share one database file; claims stay exclusive because every transition is
// a conditional UPDATE.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	// Open database connection
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// One writer per process; :memory: databases are also per connection.
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runSQLiteMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runSQLiteMigrations runs database migrations using embedded SQL files.
func runSQLiteMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(sqliteMigrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("Ping", "", "", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Request Operations
// =============================================================================

// requestRow represents a deployment request row in the database.
type requestRow struct {
	ID             string  `db:"id"`
	RepoURL        string  `db:"repo_url"`
	TargetCount    int     `db:"target_count"`
	InstallCommand string  `db:"install_command"`
	BuildCommand   string  `db:"build_command"`
	StartCommand   string  `db:"start_command"`
	Port           int     `db:"port"`
	Status         string  `db:"status"`
	CreatedAt      string  `db:"created_at"`
	ClaimedAt      *string `db:"claimed_at"`
	ClaimedBy      string  `db:"claimed_by"`
	CompletedAt    *string `db:"completed_at"`
}

const requestColumns = `id, repo_url, target_count, install_command, build_command, start_command,
	port, status, created_at, claimed_at, claimed_by, completed_at`

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *domain.DeploymentRequest) error {
	query := `
		INSERT INTO deployment_requests (` + requestColumns + `) VALUES (
			:id, :repo_url, :target_count, :install_command, :build_command, :start_command,
			:port, :status, :created_at, :claimed_at, :claimed_by, :completed_at
		)`

	_, err := s.db.NamedExecContext(ctx, query, requestToRow(req))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployment_requests.id") {
			return NewStoreError("CreateRequest", "request", req.ID, "request with this ID already exists", ErrDuplicateID)
		}
		return unavailable("CreateRequest", "request", req.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*domain.DeploymentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM deployment_requests WHERE id = ?`

	var row requestRow
	err := s.db.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRequest", "request", id, "request not found", ErrNotFound)
		}
		return nil, unavailable("GetRequest", "request", id, err)
	}
	return rowToRequest(&row), nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, opts ListOptions) ([]domain.DeploymentRequest, error) {
	opts = opts.Normalize()
	query := `SELECT ` + requestColumns + ` FROM deployment_requests ORDER BY created_at DESC LIMIT ? OFFSET ?`
	return s.selectRequests(ctx, "ListRequests", query, opts.Limit, opts.Offset)
}

func (s *SQLiteStore) ListPendingRequests(ctx context.Context, limit int) ([]domain.DeploymentRequest, error) {
	limit = ListOptions{Limit: limit}.Normalize().Limit
	query := `SELECT ` + requestColumns + ` FROM deployment_requests
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`
	return s.selectRequests(ctx, "ListPendingRequests", query, limit)
}

func (s *SQLiteStore) ListExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]domain.DeploymentRequest, error) {
	limit = ListOptions{Limit: limit}.Normalize().Limit
	query := `SELECT ` + requestColumns + ` FROM deployment_requests
		WHERE status = 'processing' AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY claimed_at ASC LIMIT ?`
	return s.selectRequests(ctx, "ListExpiredClaims", query, formatTime(cutoff), limit)
}

func (s *SQLiteStore) selectRequests(ctx context.Context, op, query string, args ...any) ([]domain.DeploymentRequest, error) {
	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable(op, "request", "", err)
	}

	requests := make([]domain.DeploymentRequest, 0, len(rows))
	for i := range rows {
		requests = append(requests, *rowToRequest(&rows[i]))
	}
	return requests, nil
}

func (s *SQLiteStore) ClaimRequest(ctx context.Context, id string, expect ClaimExpectation, claimant string, now time.Time) error {
	if err := domain.ValidateRequestTransition(expect.Status, domain.RequestProcessing); err != nil {
		return NewStoreError("ClaimRequest", "request", id, err.Error(), err)
	}

	var (
		result sql.Result
		err    error
	)
	switch {
	case expect.Status == domain.RequestPending:
		result, err = s.db.ExecContext(ctx, `
			UPDATE deployment_requests SET status = 'processing', claimed_at = ?, claimed_by = ?
			WHERE id = ? AND status = 'pending'`,
			formatTime(now), claimant, id)
	case expect.ClaimedAt != nil:
		result, err = s.db.ExecContext(ctx, `
			UPDATE deployment_requests SET claimed_at = ?, claimed_by = ?
			WHERE id = ? AND status = 'processing' AND claimed_at = ?`,
			formatTime(now), claimant, id, formatTime(*expect.ClaimedAt))
	default:
		result, err = s.db.ExecContext(ctx, `
			UPDATE deployment_requests SET claimed_at = ?, claimed_by = ?
			WHERE id = ? AND status = 'processing' AND claimed_at IS NULL`,
			formatTime(now), claimant, id)
	}
	if err != nil {
		return unavailable("ClaimRequest", "request", id, err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("ClaimRequest", "request", id, "claim lost to another instance", domain.ErrClaimConflict)
	}
	return nil
}

func (s *SQLiteStore) CompleteRequest(ctx context.Context, id string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE deployment_requests SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		formatTime(now), id)
	if err != nil {
		return unavailable("CompleteRequest", "request", id, err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}

	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	return completeMismatch(req)
}

// completeMismatch explains why a completion updated nothing.
func completeMismatch(req *domain.DeploymentRequest) error {
	if req.Status == domain.RequestCompleted {
		return nil
	}
	err := domain.ValidateRequestTransition(req.Status, domain.RequestCompleted)
	return NewStoreError("CompleteRequest", "request", req.ID, err.Error(), err)
}

// =============================================================================
// Result Operations
// =============================================================================

// resultRow represents a deployment result row in the database.
type resultRow struct {
	RequestID       string `db:"request_id"`
	OverallStatus   string `db:"overall_status"`
	SuccessfulCount int    `db:"successful_count"`
	TargetCount     int    `db:"target_count"`
	TotalDurationMS int64  `db:"total_duration_ms"`
	ExecutedBy      string `db:"executed_by"`
	CompletedAt     string `db:"completed_at"`
	Result          string `db:"result"`
}

func (s *SQLiteStore) CreateResult(ctx context.Context, result *domain.DeploymentResult) (bool, error) {
	row, err := resultToRow(result)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO deployment_results (
			request_id, overall_status, successful_count, target_count,
			total_duration_ms, executed_by, completed_at, result
		) VALUES (
			:request_id, :overall_status, :successful_count, :target_count,
			:total_duration_ms, :executed_by, :completed_at, :result
		) ON CONFLICT(request_id) DO NOTHING`

	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return false, unavailable("CreateResult", "result", result.RequestID, err)
	}

	rowsAffected, _ := res.RowsAffected()
	return rowsAffected > 0, nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, requestID string) (*domain.DeploymentResult, error) {
	var row resultRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM deployment_results WHERE request_id = ?`, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetResult", "result", requestID, "result not found", ErrNotFound)
		}
		return nil, unavailable("GetResult", "result", requestID, err)
	}
	return rowToResult(&row)
}

func (s *SQLiteStore) ListResults(ctx context.Context, filter ResultFilter) ([]domain.DeploymentResult, error) {
	opts := filter.ListOptions.Normalize()

	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		conds = append(conds, "overall_status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		conds = append(conds, "completed_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "completed_at < ?")
		args = append(args, formatTime(*filter.Until))
	}

	query := `SELECT * FROM deployment_results`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY completed_at DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []resultRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable("ListResults", "result", "", err)
	}

	results := make([]domain.DeploymentResult, 0, len(rows))
	for i := range rows {
		result, err := rowToResult(&rows[i])
		if err != nil {
			return nil, err
		}
		results = append(results, *result)
	}
	return results, nil
}

// =============================================================================
// Row Conversion Functions
// =============================================================================

func requestToRow(req *domain.DeploymentRequest) *requestRow {
	return &requestRow{
		ID:             req.ID,
		RepoURL:        req.RepoURL,
		TargetCount:    req.TargetCount,
		InstallCommand: req.InstallCommand,
		BuildCommand:   req.BuildCommand,
		StartCommand:   req.StartCommand,
		Port:           req.Port,
		Status:         string(req.Status),
		CreatedAt:      formatTime(req.CreatedAt),
		ClaimedAt:      formatTimePtr(req.ClaimedAt),
		ClaimedBy:      req.ClaimedBy,
		CompletedAt:    formatTimePtr(req.CompletedAt),
	}
}

// rowToRequest converts a database row to a domain.DeploymentRequest.
func rowToRequest(row *requestRow) *domain.DeploymentRequest {
	return &domain.DeploymentRequest{
		ID:             row.ID,
		RepoURL:        row.RepoURL,
		TargetCount:    row.TargetCount,
		InstallCommand: row.InstallCommand,
		BuildCommand:   row.BuildCommand,
		StartCommand:   row.StartCommand,
		Port:           row.Port,
		Status:         domain.RequestStatus(row.Status),
		CreatedAt:      parseTime(row.CreatedAt),
		ClaimedAt:      parseTimePtr(row.ClaimedAt),
		ClaimedBy:      row.ClaimedBy,
		CompletedAt:    parseTimePtr(row.CompletedAt),
	}
}

func resultToRow(result *domain.DeploymentResult) (*resultRow, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, NewStoreError("CreateResult", "result", result.RequestID, "failed to serialize result", ErrInvalidData)
	}
	return &resultRow{
		RequestID:       result.RequestID,
		OverallStatus:   string(result.OverallStatus),
		SuccessfulCount: result.SuccessfulCount,
		TargetCount:     result.TargetCount,
		TotalDurationMS: result.TotalDuration.Milliseconds(),
		ExecutedBy:      result.ExecutedBy,
		CompletedAt:     formatTime(result.CompletedAt),
		Result:          string(data),
	}, nil
}

// rowToResult converts a database row to a domain.DeploymentResult.
func rowToResult(row *resultRow) (*domain.DeploymentResult, error) {
	var result domain.DeploymentResult
	if err := json.Unmarshal([]byte(row.Result), &result); err != nil {
		return nil, NewStoreError("rowToResult", "result", row.RequestID, "failed to parse result", ErrInvalidData)
	}
	return &result, nil
}
