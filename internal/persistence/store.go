// Package persistence stores runs, task state, consensus scores and the
// append-only merge audit log in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/gatekeeper/internal/merge"
	"github.com/aristath/gatekeeper/internal/scheduler"
)

// ErrNotFound is returned when a run or task does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"   // Drained; tasks may still have failed
	RunAborted     RunStatus = "aborted"     // Fatal error
	RunInterrupted RunStatus = "interrupted" // Cancelled; resumable with Recover
)

// Run is a persisted run.
type Run struct {
	ID         string
	RepoPath   string
	BaseBranch string
	Status     RunStatus
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Score is one persisted consensus evaluation.
type Score struct {
	RunID       string
	TaskID      string
	Attempt     int
	Score       float64
	Tier        string
	Mean        float64
	Max         float64
	KMax        int
	MPR         bool
	Findings    int // Deduplicated clusters
	Rejected    []string
	Unavailable []string
	CreatedAt   time.Time
}

// AuditFilter narrows ListAudit. Empty fields match everything.
type AuditFilter struct {
	RunID  string
	TaskID string
	Limit  int
}

// Store defines the persistence interface.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run Run, tasks []*scheduler.Task) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context) ([]Run, error)
	SetRunStatus(ctx context.Context, runID string, status RunStatus, runErr error) error

	// Tasks
	GetTask(ctx context.Context, runID, taskID string) (*scheduler.Task, error)
	UpdateTask(ctx context.Context, runID string, task *scheduler.Task) error
	ListTasks(ctx context.Context, runID string) ([]*scheduler.Task, error)

	// Consensus scores
	SaveScore(ctx context.Context, score Score) error
	ListScores(ctx context.Context, runID string) ([]Score, error)

	// Audit log
	AppendAudit(ctx context.Context, entry merge.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]merge.AuditEntry, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite takes pragmas as _pragma parameters.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Every call
// gets its own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: queries in this package never nest.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
