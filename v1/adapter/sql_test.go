package adapter_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/mirkobrombin/go-txlease/v1/adapter"
	"github.com/mirkobrombin/go-txlease/v1/lease"
)

func newSQLDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := newGormDB(t).DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	return sqlDB
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM accounts").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestSQLTxCommitAndRollback(t *testing.T) {
	db := newSQLDB(t)
	ctx := context.Background()

	tx, err := adapter.BeginSQL(ctx, db, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Tx().ExecContext(ctx, "INSERT INTO accounts (name) VALUES (?)", "alice"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	tx, err = adapter.BeginSQL(ctx, db, &sql.TxOptions{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Tx().ExecContext(ctx, "INSERT INTO accounts (name) VALUES (?)", "bob"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if n := countRows(t, db); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestSQLLeaseRollback(t *testing.T) {
	db := newSQLDB(t)
	m, _ := newManager(t)
	ctx := context.Background()

	id, err := m.Begin(ctx, adapter.SQLFactory(db, nil))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = m.Do(ctx, id, func(ctx context.Context, r lease.Resource) error {
		_, err := r.(*adapter.SQLTx).Tx().ExecContext(ctx, "INSERT INTO accounts (name) VALUES (?)", "carol")
		return err
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if err := m.Rollback(ctx, id); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := m.Rollback(ctx, id); !errors.Is(err, lease.ErrLeaseNotFound) {
		t.Fatalf("expected ErrLeaseNotFound, got %v", err)
	}
	if n := countRows(t, db); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
}
