package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded SQLite implementation of Store.
//
// It keeps all engine state in a single-file database:
//   - exchange_states: one row per invocation
//   - exchange_checkpoints: append-only step log
//   - approval_requests: human-in-the-loop decisions
//   - route_logs: append-only audit trail
//   - route_metrics: per-route counters
//
// The store uses WAL mode so readers are never blocked by the single
// writer, and a busy timeout plus bounded application-level retry on
// the checkpoint insert path.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

const (
	busyRetries = 3
	busyBackoff = 100 * time.Millisecond
)

// NewSQLiteStore opens (or creates) the database at path and runs the
// schema migration. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports a single writer; keep one connection so the
	// in-memory variant sees a single database too.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exchange_states (
			exchange_id TEXT PRIMARY KEY,
			route_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			current_step_name TEXT,
			payload TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			last_checkpoint TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_status ON exchange_states(status)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_route ON exchange_states(route_id)`,
		`CREATE TABLE IF NOT EXISTS exchange_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			step_data TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			UNIQUE(exchange_id, step_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_exchange ON exchange_checkpoints(exchange_id, step_index)`,
		`CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			exchange_id TEXT NOT NULL,
			route_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		// At most one PENDING approval per exchange at any time.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_pending
			ON approval_requests(exchange_id) WHERE status = 'PENDING'`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_exchange ON approval_requests(exchange_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS route_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			route_id TEXT NOT NULL,
			exchange_id TEXT NOT NULL DEFAULT '',
			step_name TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_route_logs_route ON route_logs(route_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_route_logs_exchange ON route_logs(exchange_id, id)`,
		`CREATE TABLE IF NOT EXISTS route_metrics (
			route_id TEXT PRIMARY KEY,
			total INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			failure INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// isBusy reports whether err is a transient SQLite writer-contention
// error worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func encodeTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateExchange inserts a new exchange row (implements Store).
func (s *SQLiteStore) CreateExchange(ctx context.Context, ex *ExchangeState) error {
	if err := s.guard(); err != nil {
		return err
	}

	query := `
		INSERT INTO exchange_states
			(exchange_id, route_id, status, current_step, current_step_name,
			 payload, context, created_at, started_at, completed_at, last_checkpoint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		ex.ExchangeID, ex.RouteID, string(ex.Status), ex.CurrentStep,
		ex.CurrentStepName, ex.Payload, ex.Context,
		encodeTime(ex.CreatedAt), encodeTimePtr(ex.StartedAt),
		encodeTimePtr(ex.CompletedAt), encodeTime(ex.LastCheckpoint))
	if err != nil {
		return fmt.Errorf("failed to create exchange: %w", err)
	}
	return nil
}

const exchangeColumns = `exchange_id, route_id, status, current_step, current_step_name,
	payload, context, created_at, started_at, completed_at, last_checkpoint`

func scanExchange(row interface{ Scan(...interface{}) error }) (ExchangeState, error) {
	var (
		ex                     ExchangeState
		status                 string
		stepName               sql.NullString
		createdAt, lastCk      string
		startedAt, completedAt sql.NullString
	)
	err := row.Scan(&ex.ExchangeID, &ex.RouteID, &status, &ex.CurrentStep,
		&stepName, &ex.Payload, &ex.Context, &createdAt, &startedAt,
		&completedAt, &lastCk)
	if err != nil {
		return ExchangeState{}, err
	}

	ex.Status = Status(status)
	ex.CurrentStepName = stepName.String
	if ex.CreatedAt, err = decodeTime(createdAt); err != nil {
		return ExchangeState{}, fmt.Errorf("bad created_at: %w", err)
	}
	if ex.LastCheckpoint, err = decodeTime(lastCk); err != nil {
		return ExchangeState{}, fmt.Errorf("bad last_checkpoint: %w", err)
	}
	if ex.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return ExchangeState{}, fmt.Errorf("bad started_at: %w", err)
	}
	if ex.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return ExchangeState{}, fmt.Errorf("bad completed_at: %w", err)
	}
	return ex, nil
}

// GetExchange returns the exchange or ErrNotFound (implements Store).
func (s *SQLiteStore) GetExchange(ctx context.Context, exchangeID string) (ExchangeState, error) {
	if err := s.guard(); err != nil {
		return ExchangeState{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+exchangeColumns+` FROM exchange_states WHERE exchange_id = ?`, exchangeID)
	ex, err := scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ExchangeState{}, ErrNotFound
	}
	if err != nil {
		return ExchangeState{}, fmt.Errorf("failed to load exchange: %w", err)
	}
	return ex, nil
}

// ListExchanges returns matching exchanges newest first plus the total
// match count (implements Store).
func (s *SQLiteStore) ListExchanges(ctx context.Context, f ExchangeFilter) ([]ExchangeState, int, error) {
	if err := s.guard(); err != nil {
		return nil, 0, err
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.RouteID != "" {
		where += " AND route_id = ?"
		args = append(args, f.RouteID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM exchange_states"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count exchanges: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + exchangeColumns + ` FROM exchange_states` + where +
		` ORDER BY created_at DESC, exchange_id LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list exchanges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	exchanges := []ExchangeState{}
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan exchange: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating exchanges: %w", err)
	}
	return exchanges, total, nil
}

// UpdateExchange applies a partial update (implements Store).
func (s *SQLiteStore) UpdateExchange(ctx context.Context, exchangeID string, upd ExchangeUpdate) error {
	if err := s.guard(); err != nil {
		return err
	}

	sets := []string{}
	args := []interface{}{}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, encodeTime(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, encodeTime(*upd.CompletedAt))
	}
	if upd.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, *upd.Context)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, exchangeID)
	res, err := s.db.ExecContext(ctx,
		"UPDATE exchange_states SET "+strings.Join(sets, ", ")+" WHERE exchange_id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update exchange: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExchangesByStatus returns exchanges in the given status, oldest
// first (implements Store).
func (s *SQLiteStore) ListExchangesByStatus(ctx context.Context, status Status) ([]ExchangeState, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.queryExchanges(ctx,
		`SELECT `+exchangeColumns+` FROM exchange_states WHERE status = ? ORDER BY created_at`, string(status))
}

// ListStalledExchanges returns RUNNING exchanges whose last checkpoint
// predates cutoff (implements Store).
func (s *SQLiteStore) ListStalledExchanges(ctx context.Context, cutoff time.Time) ([]ExchangeState, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.queryExchanges(ctx,
		`SELECT `+exchangeColumns+` FROM exchange_states
		 WHERE status = ? AND last_checkpoint < ? ORDER BY last_checkpoint`,
		string(StatusRunning), encodeTime(cutoff))
}

func (s *SQLiteStore) queryExchanges(ctx context.Context, query string, args ...interface{}) ([]ExchangeState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var exchanges []ExchangeState
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exchanges: %w", err)
	}
	return exchanges, nil
}

// InsertCheckpoint atomically appends a checkpoint row and bumps the
// exchange's progress columns (implements Store).
//
// Returns false without touching the exchange when (exchange_id,
// step_name) already exists; this is the idempotence contract recovery
// relies on. The whole operation is retried on transient busy errors,
// up to 3 times with ~100ms sleeps.
func (s *SQLiteStore) InsertCheckpoint(ctx context.Context, cp *Checkpoint) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}

	var created bool
	op := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO exchange_checkpoints
				(exchange_id, step_index, step_name, step_data, timestamp)
			VALUES (?, ?, ?, ?, ?)`,
			cp.ExchangeID, cp.StepIndex, cp.StepName, cp.StepData, encodeTime(cp.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			// Duplicate step name: skip, do not advance the exchange.
			created = false
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE exchange_states
			SET current_step = ?, current_step_name = ?, last_checkpoint = ?
			WHERE exchange_id = ?`,
			cp.StepIndex, cp.StepName, encodeTime(cp.Timestamp), cp.ExchangeID); err != nil {
			return fmt.Errorf("failed to advance exchange: %w", err)
		}

		created = true
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit checkpoint: %w", err)
		}
		return nil
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !isBusy(err) || attempt >= busyRetries {
			break
		}
		time.Sleep(busyBackoff)
	}
	if err != nil {
		return false, err
	}
	return created, nil
}

const checkpointColumns = `id, exchange_id, step_index, step_name, step_data, timestamp`

func scanCheckpoint(row interface{ Scan(...interface{}) error }) (Checkpoint, error) {
	var (
		cp Checkpoint
		ts string
	)
	if err := row.Scan(&cp.ID, &cp.ExchangeID, &cp.StepIndex, &cp.StepName, &cp.StepData, &ts); err != nil {
		return Checkpoint{}, err
	}
	var err error
	if cp.Timestamp, err = decodeTime(ts); err != nil {
		return Checkpoint{}, fmt.Errorf("bad timestamp: %w", err)
	}
	return cp, nil
}

// GetCheckpoint returns the checkpoint for (exchangeID, stepName) or
// ErrNotFound (implements Store).
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, exchangeID, stepName string) (Checkpoint, error) {
	if err := s.guard(); err != nil {
		return Checkpoint{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM exchange_checkpoints
		 WHERE exchange_id = ? AND step_name = ?`, exchangeID, stepName)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns the checkpoint log ordered by step index
// (implements Store).
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, exchangeID string) ([]Checkpoint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM exchange_checkpoints
		 WHERE exchange_id = ? ORDER BY step_index`, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	checkpoints := []Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return checkpoints, nil
}

// CreateApproval inserts a PENDING approval and marks the exchange
// WAITING_APPROVAL in one transaction (implements Store).
func (s *SQLiteStore) CreateApproval(ctx context.Context, ap *ApprovalRequest) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_requests
			(id, exchange_id, route_id, payload, status, response, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ap.ID, ap.ExchangeID, ap.RouteID, ap.Payload, string(ap.Status),
		ap.Response, encodeTime(ap.CreatedAt), encodeTimePtr(ap.CompletedAt)); err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE exchange_states SET status = ? WHERE exchange_id = ?`,
		string(StatusWaitingApproval), ap.ExchangeID); err != nil {
		return fmt.Errorf("failed to mark exchange waiting: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit approval: %w", err)
	}
	return nil
}

const approvalColumns = `id, exchange_id, route_id, payload, status, response, created_at, completed_at`

func scanApproval(row interface{ Scan(...interface{}) error }) (ApprovalRequest, error) {
	var (
		ap          ApprovalRequest
		status      string
		createdAt   string
		completedAt sql.NullString
	)
	if err := row.Scan(&ap.ID, &ap.ExchangeID, &ap.RouteID, &ap.Payload,
		&status, &ap.Response, &createdAt, &completedAt); err != nil {
		return ApprovalRequest{}, err
	}
	ap.Status = ApprovalStatus(status)
	var err error
	if ap.CreatedAt, err = decodeTime(createdAt); err != nil {
		return ApprovalRequest{}, fmt.Errorf("bad created_at: %w", err)
	}
	if ap.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return ApprovalRequest{}, fmt.Errorf("bad completed_at: %w", err)
	}
	return ap, nil
}

// GetApproval returns the approval or ErrNotFound (implements Store).
func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (ApprovalRequest, error) {
	if err := s.guard(); err != nil {
		return ApprovalRequest{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, approvalID)
	ap, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalRequest{}, ErrNotFound
	}
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("failed to load approval: %w", err)
	}
	return ap, nil
}

// LatestApprovalByExchange returns the newest approval for an exchange
// or ErrNotFound (implements Store).
func (s *SQLiteStore) LatestApprovalByExchange(ctx context.Context, exchangeID string) (ApprovalRequest, error) {
	if err := s.guard(); err != nil {
		return ApprovalRequest{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE exchange_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, exchangeID)
	ap, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ApprovalRequest{}, ErrNotFound
	}
	if err != nil {
		return ApprovalRequest{}, fmt.Errorf("failed to load approval: %w", err)
	}
	return ap, nil
}

// ListPendingApprovals returns PENDING approvals oldest first
// (implements Store).
func (s *SQLiteStore) ListPendingApprovals(ctx context.Context) ([]ApprovalRequest, error) {
	return s.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE status = ? ORDER BY created_at`, string(ApprovalPending))
}

// ListPendingApprovalsOlderThan returns PENDING approvals created
// before cutoff (implements Store).
func (s *SQLiteStore) ListPendingApprovalsOlderThan(ctx context.Context, cutoff time.Time) ([]ApprovalRequest, error) {
	return s.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE status = ? AND created_at < ? ORDER BY created_at`,
		string(ApprovalPending), encodeTime(cutoff))
}

func (s *SQLiteStore) queryApprovals(ctx context.Context, query string, args ...interface{}) ([]ApprovalRequest, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	approvals := []ApprovalRequest{}
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, ap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}
	return approvals, nil
}

// DecideApproval moves a PENDING approval to a terminal status and
// optionally updates the owning exchange in the same transaction
// (implements Store).
func (s *SQLiteStore) DecideApproval(ctx context.Context, approvalID string, status ApprovalStatus, response string, exchangeStatus *Status) (ApprovalRequest, bool, error) {
	if err := s.guard(); err != nil {
		return ApprovalRequest{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApprovalRequest{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, response = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), response, encodeTime(now), approvalID, string(ApprovalPending))
	if err != nil {
		return ApprovalRequest{}, false, fmt.Errorf("failed to decide approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ApprovalRequest{}, false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Either unknown or already decided; disambiguate for the API.
		row := tx.QueryRowContext(ctx,
			`SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, approvalID)
		if _, scanErr := scanApproval(row); errors.Is(scanErr, sql.ErrNoRows) {
			return ApprovalRequest{}, false, ErrNotFound
		}
		return ApprovalRequest{}, false, ErrNotPending
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, approvalID)
	ap, err := scanApproval(row)
	if err != nil {
		return ApprovalRequest{}, false, fmt.Errorf("failed to reload approval: %w", err)
	}

	exchangeMoved := false
	if exchangeStatus != nil {
		// Conditional on WAITING_APPROVAL so a decision on an already
		// cancelled or failed exchange cannot resurrect it.
		exRes, err := tx.ExecContext(ctx,
			`UPDATE exchange_states SET status = ? WHERE exchange_id = ? AND status = ?`,
			string(*exchangeStatus), ap.ExchangeID, string(StatusWaitingApproval))
		if err != nil {
			return ApprovalRequest{}, false, fmt.Errorf("failed to update exchange status: %w", err)
		}
		moved, err := exRes.RowsAffected()
		if err != nil {
			return ApprovalRequest{}, false, fmt.Errorf("failed to read rows affected: %w", err)
		}
		exchangeMoved = moved > 0
	}

	if err := tx.Commit(); err != nil {
		return ApprovalRequest{}, false, fmt.Errorf("failed to commit decision: %w", err)
	}
	return ap, exchangeMoved, nil
}

// AppendRouteLog appends one audit row (implements Store).
func (s *SQLiteStore) AppendRouteLog(ctx context.Context, rl *RouteLog) error {
	if err := s.guard(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO route_logs (route_id, exchange_id, step_name, message, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		rl.RouteID, rl.ExchangeID, rl.StepName, rl.Message, encodeTime(rl.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append route log: %w", err)
	}
	return nil
}

const routeLogColumns = `id, route_id, exchange_id, step_name, message, timestamp`

func scanRouteLog(row interface{ Scan(...interface{}) error }) (RouteLog, error) {
	var (
		rl RouteLog
		ts string
	)
	if err := row.Scan(&rl.ID, &rl.RouteID, &rl.ExchangeID, &rl.StepName, &rl.Message, &ts); err != nil {
		return RouteLog{}, err
	}
	var err error
	if rl.Timestamp, err = decodeTime(ts); err != nil {
		return RouteLog{}, fmt.Errorf("bad timestamp: %w", err)
	}
	return rl, nil
}

// ListRouteLogs returns the newest audit rows for a route (implements
// Store).
func (s *SQLiteStore) ListRouteLogs(ctx context.Context, routeID string, limit int) ([]RouteLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRouteLogs(ctx,
		`SELECT `+routeLogColumns+` FROM route_logs
		 WHERE route_id = ? ORDER BY id DESC LIMIT ?`, routeID, limit)
}

// ListRouteLogsByExchange returns all audit rows for one exchange in
// insertion order (implements Store).
func (s *SQLiteStore) ListRouteLogsByExchange(ctx context.Context, exchangeID string) ([]RouteLog, error) {
	return s.queryRouteLogs(ctx,
		`SELECT `+routeLogColumns+` FROM route_logs
		 WHERE exchange_id = ? ORDER BY id`, exchangeID)
}

func (s *SQLiteStore) queryRouteLogs(ctx context.Context, query string, args ...interface{}) ([]RouteLog, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query route logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	logs := []RouteLog{}
	for rows.Next() {
		rl, err := scanRouteLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route log: %w", err)
		}
		logs = append(logs, rl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating route logs: %w", err)
	}
	return logs, nil
}

// BumpRouteMetric increments the per-route counters (implements Store).
func (s *SQLiteStore) BumpRouteMetric(ctx context.Context, routeID string, success bool) error {
	if err := s.guard(); err != nil {
		return err
	}

	succ, fail := 0, 0
	if success {
		succ = 1
	} else {
		fail = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO route_metrics (route_id, total, success, failure, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(route_id) DO UPDATE SET
			total = total + 1,
			success = success + excluded.success,
			failure = failure + excluded.failure,
			updated_at = excluded.updated_at`,
		routeID, succ, fail, encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to bump route metric: %w", err)
	}
	return nil
}

// GetRouteMetric returns counters for one route or ErrNotFound
// (implements Store).
func (s *SQLiteStore) GetRouteMetric(ctx context.Context, routeID string) (RouteMetric, error) {
	if err := s.guard(); err != nil {
		return RouteMetric{}, err
	}

	var (
		rm RouteMetric
		ts string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT route_id, total, success, failure, updated_at
		FROM route_metrics WHERE route_id = ?`, routeID).
		Scan(&rm.RouteID, &rm.Total, &rm.Success, &rm.Failure, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return RouteMetric{}, ErrNotFound
	}
	if err != nil {
		return RouteMetric{}, fmt.Errorf("failed to load route metric: %w", err)
	}
	if rm.UpdatedAt, err = decodeTime(ts); err != nil {
		return RouteMetric{}, fmt.Errorf("bad updated_at: %w", err)
	}
	return rm, nil
}

// ListRouteMetrics returns counters for every route (implements Store).
func (s *SQLiteStore) ListRouteMetrics(ctx context.Context) ([]RouteMetric, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT route_id, total, success, failure, updated_at
		FROM route_metrics ORDER BY route_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list route metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	metrics := []RouteMetric{}
	for rows.Next() {
		var (
			rm RouteMetric
			ts string
		)
		if err := rows.Scan(&rm.RouteID, &rm.Total, &rm.Success, &rm.Failure, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan route metric: %w", err)
		}
		if rm.UpdatedAt, err = decodeTime(ts); err != nil {
			return nil, fmt.Errorf("bad updated_at: %w", err)
		}
		metrics = append(metrics, rm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating route metrics: %w", err)
	}
	return metrics, nil
}

// Ping verifies the database connection is alive (implements Store).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection (implements Store). Calling
// Close multiple times is safe.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
