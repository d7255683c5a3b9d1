package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGetRoundTripsAddressesInOrder(t *testing.T) {
	store := openStore(t, t.TempDir())
	ctx := context.Background()
	table := solana.NewWallet().PublicKey()
	addrs := solana.PublicKeySlice{solana.NewWallet().PublicKey(), solana.WrappedSol, solana.TokenProgramID}

	if err := store.Put(ctx, table, addrs, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	entry, ok, err := store.Get(ctx, table)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if entry.Stale || len(entry.Addresses) != 3 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	for i := range addrs {
		if !entry.Addresses[i].Equals(addrs[i]) {
			t.Fatalf("address %d mismatch: %s != %s", i, entry.Addresses[i], addrs[i])
		}
	}

	if _, ok, err := store.Get(ctx, solana.NewWallet().PublicKey()); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestGetMarksExpiredEntriesStaleAndPruneDropsThem(t *testing.T) {
	store := openStore(t, t.TempDir())
	ctx := context.Background()
	table := solana.NewWallet().PublicKey()
	base := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return base }

	if err := store.Put(ctx, table, solana.PublicKeySlice{solana.WrappedSol}, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	entry, ok, err := store.Get(ctx, table)
	if err != nil || !ok || !entry.Stale {
		t.Fatalf("expected stale hit, got %+v ok=%v err=%v", entry, ok, err)
	}
	if entry.Age != 2*time.Minute {
		t.Fatalf("unexpected age %s", entry.Age)
	}

	if err := store.Prune(); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, table); ok {
		t.Fatal("expected pruned entry to be gone")
	}
}

func TestConcurrentOpenAndPut(t *testing.T) {
	dir := t.TempDir()

	const workers = 8
	const iterations = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			store, err := Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"))
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()

			ctx := context.Background()
			for i := 0; i < iterations; i++ {
				table := solana.NewWallet().PublicKey()
				if err := store.Put(ctx, table, solana.PublicKeySlice{table}, time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d put iter %d: %w", workerID, i, err)
					return
				}
				if _, ok, err := store.Get(ctx, table); err != nil || !ok {
					errCh <- fmt.Errorf("worker %d get iter %d: ok=%v err=%v", workerID, i, ok, err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
