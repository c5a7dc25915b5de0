package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/connector/pkg/transfer"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
//
// The pool holds a single connection and transactions begin IMMEDIATE, so every
// write, claim included, is serialized by the database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file, or ":memory:".
	Path string

	// BusyTimeout is how long a statement waits for a lock held by another process.
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. Call Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

const processColumns = `id, role, request_id, state, state_count, state_timestamp, retry_at,
	request, manifest, resources, error_code, error_detail, last_error,
	cancel_requested, cancel_reason, deprovision_requested,
	version, lease_owner, lease_expires_at, created_at, updated_at`

// Create inserts a new process.
func (s *SQLiteStore) Create(ctx context.Context, p *transfer.TransferProcess, events ...*Event) error {
	rec, err := encodeProcess(p)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO transfer_processes (
			id, role, request_id, state, state_count, state_timestamp, retry_at, active,
			request, manifest, resources, error_code, error_detail, last_error,
			cancel_requested, cancel_reason, deprovision_requested,
			version, lease_owner, lease_expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, '', 0, ?, ?)
		ON CONFLICT (request_id, role) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, query,
		p.ID, string(p.Role), p.Request.ID, string(p.State), p.StateCount, toMillis(p.StateTimestamp), toMillis(p.RetryAt), boolInt(p.NeedsAttention()),
		rec.request, rec.manifest, rec.resources, p.ErrorCode, p.ErrorDetail, p.LastError,
		boolInt(p.CancelRequested), p.CancelReason, boolInt(p.DeprovisionRequested),
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer process: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: request %s already has a %s process", ErrConflict, p.Request.ID, p.Role)
	}

	if err := insertEvents(ctx, tx, p.ID, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	p.Version = 1
	return nil
}

// Get retrieves a process by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*transfer.TransferProcess, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM transfer_processes WHERE id = ?`, id)
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer process: %w", err)
	}
	return p, nil
}

// FindByRequestID retrieves the process a role created for a request.
func (s *SQLiteStore) FindByRequestID(ctx context.Context, role transfer.Role, requestID string) (*transfer.TransferProcess, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+processColumns+` FROM transfer_processes WHERE request_id = ? AND role = ?`,
		requestID, string(role))
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer process: %w", err)
	}
	return p, nil
}

// List returns processes newest first.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*transfer.TransferProcess, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(filter.Role))
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + processColumns + ` FROM transfer_processes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer processes: %w", err)
	}
	return collectProcesses(rows)
}

// ClaimBatch leases up to limit processes that need attention and whose retry
// time has passed. A pending cancellation makes a process eligible regardless of
// its retry time. Claiming bumps the version.
func (s *SQLiteStore) ClaimBatch(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*transfer.TransferProcess, error) {
	if owner == "" {
		return nil, fmt.Errorf("lease owner is required")
	}
	nowMs := toMillis(now)
	query := `
		UPDATE transfer_processes
		SET lease_owner = ?, lease_expires_at = ?, version = version + 1
		WHERE id IN (
			SELECT id FROM transfer_processes
			WHERE active = 1
			  AND (retry_at <= ? OR cancel_requested = 1)
			  AND (lease_owner = '' OR lease_expires_at <= ?)
			ORDER BY retry_at, updated_at
			LIMIT ?
		)
		RETURNING ` + processColumns

	rows, err := s.db.QueryContext(ctx, query, owner, toMillis(now.Add(lease)), nowMs, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim transfer processes: %w", err)
	}
	return collectProcesses(rows)
}

// Acquire leases a single process. It fails with ErrConflict while another live
// lease is held, including one held by the same owner.
func (s *SQLiteStore) Acquire(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (*transfer.TransferProcess, error) {
	query := `
		UPDATE transfer_processes
		SET lease_owner = ?, lease_expires_at = ?, version = version + 1
		WHERE id = ? AND (lease_owner = '' OR lease_expires_at <= ?)
		RETURNING ` + processColumns

	row := s.db.QueryRowContext(ctx, query, owner, toMillis(now.Add(lease)), id, toMillis(now))
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s is leased", ErrConflict, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire transfer process: %w", err)
	}
	return p, nil
}

// Save writes p back if it still holds owner's lease at p.Version, releases the
// lease and appends events in the same transaction. On success p.Version is
// incremented and the lease fields are cleared.
func (s *SQLiteStore) Save(ctx context.Context, p *transfer.TransferProcess, owner string, events ...*Event) error {
	rec, err := encodeProcess(p)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE transfer_processes
		SET state = ?, state_count = ?, state_timestamp = ?, retry_at = ?, active = ?,
			manifest = ?, resources = ?, error_code = ?, error_detail = ?, last_error = ?,
			cancel_requested = ?, cancel_reason = ?, deprovision_requested = ?,
			version = version + 1, lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND version = ? AND lease_owner = ?
	`
	result, err := tx.ExecContext(ctx, query,
		string(p.State), p.StateCount, toMillis(p.StateTimestamp), toMillis(p.RetryAt), boolInt(p.NeedsAttention()),
		rec.manifest, rec.resources, p.ErrorCode, p.ErrorDetail, p.LastError,
		boolInt(p.CancelRequested), p.CancelReason, boolInt(p.DeprovisionRequested),
		toMillis(p.UpdatedAt),
		p.ID, p.Version, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer process: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrConflict, p.ID, p.Version)
	}

	if err := insertEvents(ctx, tx, p.ID, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	p.Version++
	p.LeaseOwner = ""
	p.LeaseExpiresAt = time.Time{}
	return nil
}

// Release drops owner's lease without writing the process. The version is not
// checked so a holder whose Save lost to an external flag can still let go. It
// is a no-op when the lease has already moved on.
func (s *SQLiteStore) Release(ctx context.Context, p *transfer.TransferProcess, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transfer_processes
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?
	`, p.ID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// ReleaseExpiredLeases clears leases that lapsed before now.
func (s *SQLiteStore) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transfer_processes
		SET lease_owner = '', lease_expires_at = 0
		WHERE lease_owner != '' AND lease_expires_at <= ?
	`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to release expired leases: %w", err)
	}
	return result.RowsAffected()
}

// RequestCancellation flags a process for cancellation. The flag supersedes any
// scheduled retry. Processes that are final, completed or already tearing down
// are returned unchanged.
func (s *SQLiteStore) RequestCancellation(ctx context.Context, id, reason string, now time.Time) (*transfer.TransferProcess, error) {
	return s.flag(ctx, id, now, func(p *transfer.TransferProcess) (bool, *Event) {
		if !p.Cancellable() || p.CancelRequested {
			return false, nil
		}
		p.CancelRequested = true
		p.CancelReason = reason
		p.RetryAt = time.Time{}
		return true, &Event{Type: EventCancelRequested, FromState: p.State, Message: reason}
	})
}

// RequestDeprovision asks a COMPLETED process to tear down its resources. Other
// processes are returned unchanged.
func (s *SQLiteStore) RequestDeprovision(ctx context.Context, id string, now time.Time) (*transfer.TransferProcess, error) {
	return s.flag(ctx, id, now, func(p *transfer.TransferProcess) (bool, *Event) {
		if p.State != transfer.StateCompleted || p.DeprovisionRequested {
			return false, nil
		}
		p.DeprovisionRequested = true
		return true, &Event{Type: EventDeprovisionReq, FromState: p.State}
	})
}

// flag applies an external request in one transaction. The version bump makes
// any in-flight Save by a lease holder fail.
func (s *SQLiteStore) flag(ctx context.Context, id string, now time.Time, apply func(*transfer.TransferProcess) (bool, *Event)) (*transfer.TransferProcess, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanProcess(tx.QueryRowContext(ctx, `SELECT `+processColumns+` FROM transfer_processes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer process: %w", err)
	}

	changed, event := apply(p)
	if !changed {
		return p, nil
	}
	p.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		UPDATE transfer_processes
		SET cancel_requested = ?, cancel_reason = ?, deprovision_requested = ?,
			retry_at = ?, active = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`, boolInt(p.CancelRequested), p.CancelReason, boolInt(p.DeprovisionRequested),
		toMillis(p.RetryAt), boolInt(p.NeedsAttention()), toMillis(now), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update transfer process: %w", err)
	}

	if event != nil {
		event.Timestamp = now
		if err := insertEvents(ctx, tx, id, []*Event{event}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	p.Version++
	return p, nil
}

// AppendEvent appends an event to the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEvents(ctx, tx, event.ProcessID, []*Event{event}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListEvents returns a process's events oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, processID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, process_id, type, from_state, to_state, message, details, timestamp
		FROM transfer_events
		WHERE process_id = ?
		ORDER BY id
		LIMIT ?
	`, processID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var (
			e       Event
			details sql.NullString
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.ProcessID, &e.Type, &e.FromState, &e.ToState, &e.Message, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Details = details.String
		e.Timestamp = fromMillis(ts)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, processID string, events []*Event) error {
	for _, e := range events {
		if e == nil {
			continue
		}
		if e.ProcessID == "" {
			e.ProcessID = processID
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		var details interface{}
		if e.Details != "" {
			details = e.Details
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO transfer_events (process_id, type, from_state, to_state, message, details, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.ProcessID, e.Type, string(e.FromState), string(e.ToState), e.Message, details, toMillis(e.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		if id, err := result.LastInsertId(); err == nil {
			e.ID = id
		}
	}
	return nil
}

type encodedProcess struct {
	request   string
	manifest  interface{}
	resources string
}

func encodeProcess(p *transfer.TransferProcess) (*encodedProcess, error) {
	req, err := json.Marshal(p.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	resources := p.Resources
	if resources == nil {
		resources = []transfer.ProvisionedResource{}
	}
	res, err := json.Marshal(resources)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resources: %w", err)
	}
	rec := &encodedProcess{request: string(req), resources: string(res)}
	if p.Manifest != nil {
		m, err := json.Marshal(p.Manifest)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal manifest: %w", err)
		}
		rec.manifest = string(m)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProcess(row scanner) (*transfer.TransferProcess, error) {
	var (
		p                                        transfer.TransferProcess
		requestID, request, resources            string
		manifest                                 sql.NullString
		stateTS, retryAt, leaseExp, created, upd int64
		cancel, deprov                           int
	)
	err := row.Scan(
		&p.ID, &p.Role, &requestID, &p.State, &p.StateCount, &stateTS, &retryAt,
		&request, &manifest, &resources, &p.ErrorCode, &p.ErrorDetail, &p.LastError,
		&cancel, &p.CancelReason, &deprov,
		&p.Version, &p.LeaseOwner, &leaseExp, &created, &upd,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(request), &p.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if err := json.Unmarshal([]byte(resources), &p.Resources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
	}
	if manifest.Valid {
		p.Manifest = &transfer.ResourceManifest{}
		if err := json.Unmarshal([]byte(manifest.String), p.Manifest); err != nil {
			return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
		}
	}
	if len(p.Resources) == 0 {
		p.Resources = nil
	}

	p.StateTimestamp = fromMillis(stateTS)
	p.RetryAt = fromMillis(retryAt)
	p.LeaseExpiresAt = fromMillis(leaseExp)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(upd)
	p.CancelRequested = cancel != 0
	p.DeprovisionRequested = deprov != 0
	return &p, nil
}

func collectProcesses(rows *sql.Rows) ([]*transfer.TransferProcess, error) {
	defer rows.Close()

	out := []*transfer.TransferProcess{}
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer process: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfer processes: %w", err)
	}
	return out, nil
}

// toMillis stores times as Unix milliseconds; the zero time is stored as 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
