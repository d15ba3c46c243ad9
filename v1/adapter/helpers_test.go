package adapter_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-txlease/v1/clock"
	"github.com/mirkobrombin/go-txlease/v1/lease"
)

type account struct {
	ID   uint
	Name string
}

// newGormDB opens a private in-memory SQLite database limited to a single
// connection, so an unfinished transaction blocks every other statement.
func newGormDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&account{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func countAccounts(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&account{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func newManager(t *testing.T) (*lease.Manager, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := lease.NewManager(
		lease.WithClock(clk),
		lease.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		lease.WithSweepInterval(time.Hour),
		lease.WithExpireAfter(10*time.Second),
	)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, clk
}
