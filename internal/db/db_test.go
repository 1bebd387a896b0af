package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestOpenSetsPragmas(t *testing.T) {
	conn, err := Open(Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	var mode string
	if err := conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal, got %q", mode)
	}
	var timeout, fk int
	if err := conn.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if int64(timeout) != BusyTimeout.Milliseconds() {
		t.Fatalf("unexpected busy_timeout %d", timeout)
	}
	if err := conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign keys off")
	}
}

func TestConcurrentWritersDoNotFailBusy(t *testing.T) {
	conn, err := Open(Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	conn.SetMaxOpenConns(8)
	ctx := context.Background()
	if _, err := conn.ExecContext(ctx, `CREATE TABLE counter(id INTEGER PRIMARY KEY, n INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO counter(id, n) VALUES (1, 0)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := conn.BeginTx(ctx, nil)
			if err != nil {
				errs <- fmt.Errorf("begin: %w", err)
				return
			}
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT n FROM counter WHERE id=1`).Scan(&n); err != nil {
				tx.Rollback()
				errs <- fmt.Errorf("read: %w", err)
				return
			}
			if _, err := tx.ExecContext(ctx, `UPDATE counter SET n=? WHERE id=1`, n+1); err != nil {
				tx.Rollback()
				errs <- fmt.Errorf("write: %w", err)
				return
			}
			if err := tx.Commit(); err != nil {
				errs <- fmt.Errorf("commit: %w", err)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("writer failed: %v", err)
	}
	var n int
	if err := conn.QueryRow(`SELECT n FROM counter WHERE id=1`).Scan(&n); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != writers {
		t.Fatalf("lost updates: got %d want %d", n, writers)
	}
}
