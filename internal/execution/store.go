package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-autorepay/internal/errors"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store persists repay attempts for audit. It is safe to share between
// processes; writes are serialized by a file lock.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create attempt store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create attempt lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open attempt sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS attempts (
			attempt_id TEXT PRIMARY KEY,
			vault TEXT NOT NULL,
			status TEXT NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_attempts_status_updated ON attempts(status, updated_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_attempts_vault_updated ON attempts(vault, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init attempt schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Save(attempt Attempt) error {
	if strings.TrimSpace(attempt.AttemptID) == "" {
		return fmt.Errorf("save attempt: missing attempt id")
	}
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock attempt store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock attempt store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	createdUnix, _ := parseRFC3339Unix(attempt.CreatedAt)
	updatedUnix, _ := parseRFC3339Unix(attempt.UpdatedAt)
	if createdUnix == 0 {
		createdUnix = time.Now().UTC().Unix()
	}
	if updatedUnix == 0 {
		updatedUnix = createdUnix
	}

	_, err = s.db.Exec(`
		INSERT INTO attempts (attempt_id, vault, status, signature, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(attempt_id) DO UPDATE SET
			status=excluded.status,
			signature=excluded.signature,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, attempt.AttemptID, attempt.Vault, attempt.Status, attempt.Signature, createdUnix, updatedUnix, payload)
	if err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	return nil
}

func (s *Store) Get(attemptID string) (Attempt, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM attempts WHERE attempt_id = ?", attemptID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attempt{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("attempt not found: %s", attemptID))
		}
		return Attempt{}, fmt.Errorf("read attempt: %w", err)
	}
	var attempt Attempt
	if err := json.Unmarshal(payload, &attempt); err != nil {
		return Attempt{}, fmt.Errorf("decode attempt payload: %w", err)
	}
	return attempt, nil
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Status string
	Vault  string
	Limit  int
}

func (s *Store) List(filter ListFilter) ([]Attempt, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	var (
		clauses []string
		args    []any
	)
	if v := strings.TrimSpace(filter.Status); v != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.Vault); v != "" {
		clauses = append(clauses, "vault = ?")
		args = append(args, v)
	}
	query := "SELECT payload FROM attempts"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, created_at DESC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]Attempt, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		var attempt Attempt
		if err := json.Unmarshal(payload, &attempt); err != nil {
			return nil, fmt.Errorf("decode attempt row: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt rows: %w", err)
	}
	return attempts, nil
}

func parseRFC3339Unix(v string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return t.UTC().Unix(), true
}
