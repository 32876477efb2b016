package jobs

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-prepaid-billing/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type countingSweeper struct {
	calls int
	at    time.Time
}

func (s *countingSweeper) Sweep(now time.Time) int {
	s.calls++
	s.at = now
	return 3
}

func TestRunOnce_PurgesExpiredRows(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if _, err := repo.CreateIdempotency(ctx, db, "acct_1", "old", "h", -time.Minute); err != nil {
		t.Fatalf("create expired: %v", err)
	}
	if _, err := repo.CreateIdempotency(ctx, db, "acct_1", "live", "h", time.Hour); err != nil {
		t.Fatalf("create live: %v", err)
	}

	now := time.Now().UTC()
	if err := repo.RecordWebhookReceived(ctx, db, "stripe", "evt_old", "charge.refunded", now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("record old: %v", err)
	}
	if err := repo.RecordWebhookReceived(ctx, db, "stripe", "evt_new", "charge.refunded", now); err != nil {
		t.Fatalf("record new: %v", err)
	}

	sw := &countingSweeper{}
	m := &Maintenance{
		DB:        db,
		Sweeper:   sw,
		Retention: 24 * time.Hour,
		Log:       zerolog.Nop(),
		Now:       func() time.Time { return now },
	}
	res, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Idempotency != 1 {
		t.Fatalf("idempotency removed = %d, want 1", res.Idempotency)
	}
	if res.WebhookEvents != 1 {
		t.Fatalf("webhook events removed = %d, want 1", res.WebhookEvents)
	}
	if res.KV != 3 || sw.calls != 1 || !sw.at.Equal(now) {
		t.Fatalf("sweeper: res=%d calls=%d at=%v", res.KV, sw.calls, sw.at)
	}

	if _, err := repo.GetIdempotency(ctx, db, "acct_1", "live", now); err != nil {
		t.Fatalf("live record should survive: %v", err)
	}
	if _, err := repo.GetWebhookEvent(ctx, db, "stripe", "evt_new"); err != nil {
		t.Fatalf("recent audit row should survive: %v", err)
	}
	if _, err := repo.GetWebhookEvent(ctx, db, "stripe", "evt_old"); err == nil {
		t.Fatal("old audit row should be pruned")
	}
}

func TestRunOnce_NoTargets(t *testing.T) {
	m := &Maintenance{Log: zerolog.Nop()}
	res, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res != (Result{}) {
		t.Fatalf("res = %+v, want zero", res)
	}
}

func TestRunOnce_ReportsDBError(t *testing.T) {
	db := newTestDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	sw := &countingSweeper{}
	m := &Maintenance{DB: db, Sweeper: sw, Log: zerolog.Nop()}
	if _, err := m.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error from closed db")
	}
	if sw.calls != 1 {
		t.Fatal("sweeper should still run after a db failure")
	}
}

func TestStart_RejectsBadSpec(t *testing.T) {
	m := &Maintenance{Log: zerolog.Nop()}
	if _, err := m.Start("not a cron spec"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStart_DefaultSchedule(t *testing.T) {
	m := &Maintenance{Log: zerolog.Nop()}
	c, err := m.Start("")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	if n := len(c.Entries()); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
}
