// Package storage implements the substrate contract the engines depend
// on: parameterized exec/query, per-branch physical table fork, row
// diff/merge, point-in-time reads, full-text search and vector search
// over a single SQLite database.
//
// Logical table T on branch b resolves to physical table T for main and
// T__<sanitized b> otherwise. Engines never touch physical names
// directly; they go through ResolveTable.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/branchbase/branchbase/pkg/errs"
)

// MainBranch is the root branch; it is created at Open and never archived.
const MainBranch = "main"

// TimeLayout is the column format for timestamps: fixed-width UTC so
// lexical order equals chronological order.
const TimeLayout = "2006-01-02 15:04:05.000000000"

// BranchedTables are the logical tables that exist per branch.
var BranchedTables = []string{"facts", "observations", "relations", "conversations", "messages"}

// ftsFields maps branched tables to their full-text indexed column.
var ftsFields = map[string]string{
	"facts":        "fact_text",
	"observations": "summary",
	"messages":     "content",
}

// timeNow is swappable in tests.
var timeNow = time.Now

var branchNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.\-]{0,99}$`)

var reservedBranchNames = map[string]bool{
	"all":    true,
	"none":   true,
	"sqlite": true,
	"temp":   true,
}

// Store is the SQLite-backed substrate.
type Store struct {
	db     *sql.DB
	path   string
	log    *zap.SugaredLogger
	closed bool
	mu     sync.RWMutex

	ftsEnabled  bool
	ftsWarnOnce sync.Once
}

// Open opens (or creates) the database at path and initializes the
// schema, including the main branch's table set.
func Open(ctx context.Context, path string, log *zap.SugaredLogger) (*Store, error) {
	const op = "storage.open"

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}

	s := &Store{db: db, path: path, log: log}
	s.ftsEnabled = s.probeFTS(ctx)

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// probeFTS checks whether the FTS5 module is compiled in.
func (s *Store) probeFTS(ctx context.Context) bool {
	if _, err := s.db.ExecContext(ctx, "CREATE VIRTUAL TABLE IF NOT EXISTS fts5_probe USING fts5(x)"); err != nil {
		return false
	}
	_, _ = s.db.ExecContext(ctx, "DROP TABLE IF EXISTS fts5_probe")
	return true
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// FTSEnabled reports whether full-text search runs on FTS5 or on the
// scan fallback.
func (s *Store) FTSEnabled() bool { return s.ftsEnabled }

// warnNoFTS logs the capability degradation once per process.
func (s *Store) warnNoFTS() {
	s.ftsWarnOnce.Do(func() {
		s.log.Warnw("fts5 unavailable, full-text search degraded to table scan", "path", s.path)
	})
}

// Exec runs a parameterized write.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQL("storage.exec", err)
	}
	return res, nil
}

// Query runs a parameterized read.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapSQL("storage.query", err)
	}
	return rows, nil
}

// QueryRow runs a single-row read.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Tx runs fn inside a transaction.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQL("storage.tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapSQL("storage.tx", err)
	}
	return nil
}

// wrapSQL maps driver errors into the error taxonomy.
func wrapSQL(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "PRIMARY KEY constraint failed"):
		return errs.Wrap(errs.AlreadyExists, op, err)
	case strings.Contains(msg, "constraint failed"):
		return errs.Wrap(errs.InvalidArgument, op, err)
	default:
		return errs.Wrap(errs.Unavailable, op, err)
	}
}

// ValidateBranchName checks the branch naming rule.
func ValidateBranchName(name string) error {
	const op = "storage.validate_branch"
	if !branchNameRe.MatchString(name) {
		return errs.E(errs.InvalidArgument, op, "invalid branch name %q", name)
	}
	if reservedBranchNames[strings.ToLower(name)] {
		return errs.E(errs.InvalidArgument, op, "branch name %q is reserved", name)
	}
	return nil
}

// SanitizeBranch maps a branch name to its physical-name component.
// Characters outside [a-zA-Z0-9_] become underscores.
func SanitizeBranch(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ResolveTable maps a logical table and branch to the physical table
// name. Main uses the base name.
func ResolveTable(logical, branch string) (string, error) {
	found := false
	for _, t := range BranchedTables {
		if t == logical {
			found = true
			break
		}
	}
	if !found {
		return "", errs.E(errs.InvalidArgument, "storage.resolve_table", "table %q is not branched", logical)
	}
	if branch == "" || branch == MainBranch {
		return logical, nil
	}
	if err := ValidateBranchName(branch); err != nil {
		return "", err
	}
	return logical + "__" + SanitizeBranch(branch), nil
}

// MustTable is ResolveTable for callers that already validated branch.
func MustTable(logical, branch string) string {
	t, err := ResolveTable(logical, branch)
	if err != nil {
		// branch was validated upstream; surface loudly if not
		panic(err)
	}
	return t
}

// FormatTime renders t in the column layout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a column value back into a time.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// tolerate second-precision values written by external tools
		t, err = time.Parse("2006-01-02 15:04:05", s)
	}
	return t.UTC(), err
}

// NullTime renders an optional time, NULL when zero.
func NullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return FormatTime(t)
}

// ScanTime parses a nullable timestamp column.
func ScanTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EnsureSession lazily registers a session id the first time it is seen.
func (s *Store) EnsureSession(ctx context.Context, sessionID, branch string) error {
	if sessionID == "" {
		return nil
	}
	now := FormatTime(time.Now())
	_, err := s.Exec(ctx, `
		INSERT INTO sessions (session_id, branch_name, status, created_at, updated_at)
		VALUES (?, ?, 'active', ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sessionID, branch, now, now)
	return err
}
