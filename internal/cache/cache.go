// Package cache persists decoded address lookup tables between runs so a
// restart does not refetch every table the swap routes reference.
package cache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

type Entry struct {
	Addresses solana.PublicKeySlice
	Age       time.Duration
	Stale     bool
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS lookup_tables (address TEXT PRIMARY KEY, addresses BLOB NOT NULL, fetched_at INTEGER NOT NULL, ttl_seconds INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	_ = store.Prune()
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes tables whose TTL has expired.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	nowUnix := s.now().UTC().Unix()
	if _, err := s.db.Exec("DELETE FROM lookup_tables WHERE fetched_at + ttl_seconds < ?", nowUnix); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

// Get returns the cached addresses of table. A stale entry is still returned
// so callers can decide whether to refresh it.
func (s *Store) Get(ctx context.Context, table solana.PublicKey) (Entry, bool, error) {
	var blob []byte
	var fetchedUnix, ttlSeconds int64
	err := s.db.QueryRowContext(ctx, "SELECT addresses, fetched_at, ttl_seconds FROM lookup_tables WHERE address = ?", table.String()).
		Scan(&blob, &fetchedUnix, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache read: %w", err)
	}
	if len(blob)%solana.PublicKeyLength != 0 {
		return Entry{}, false, fmt.Errorf("cache read: table %s has a truncated address list", table)
	}

	addrs := make(solana.PublicKeySlice, 0, len(blob)/solana.PublicKeyLength)
	for off := 0; off < len(blob); off += solana.PublicKeyLength {
		addrs = append(addrs, solana.PublicKeyFromBytes(blob[off:off+solana.PublicKeyLength]))
	}
	age := s.now().Sub(time.Unix(fetchedUnix, 0))
	if age < 0 {
		age = 0
	}
	return Entry{
		Addresses: addrs,
		Age:       age,
		Stale:     age > time.Duration(ttlSeconds)*time.Second,
	}, true, nil
}

func (s *Store) Put(ctx context.Context, table solana.PublicKey, addrs solana.PublicKeySlice, ttl time.Duration) error {
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	var blob bytes.Buffer
	for _, a := range addrs {
		blob.Write(a.Bytes())
	}
	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lookup_tables (address, addresses, fetched_at, ttl_seconds)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			addresses=excluded.addresses,
			fetched_at=excluded.fetched_at,
			ttl_seconds=excluded.ttl_seconds
	`, table.String(), blob.Bytes(), s.now().UTC().Unix(), ttlSeconds)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}
