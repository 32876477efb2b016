// Package jobs runs periodic housekeeping on a cron schedule: expiring
// legacy idempotency rows, sweeping in-memory TTLs and pruning the webhook
// audit table.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-prepaid-billing/internal/observability"
	"github.com/tbourn/go-prepaid-billing/internal/repo"
	"github.com/tbourn/go-prepaid-billing/internal/store"
)

// DefaultSchedule runs maintenance at minute 7 of every hour.
const DefaultSchedule = "7 * * * *"

// runTimeout bounds one maintenance pass.
const runTimeout = 5 * time.Minute

// Sweeper is implemented by stores that expire keys in process.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Maintenance holds the targets of each housekeeping task. Sweeper is nil
// when the KV store expires keys itself (Redis).
type Maintenance struct {
	DB        *gorm.DB
	Sweeper   Sweeper
	Retention time.Duration
	Log       zerolog.Logger
	Now       func() time.Time
}

// Result reports how many records one pass removed per task.
type Result struct {
	Idempotency   int64
	WebhookEvents int64
	KV            int
}

func (m *Maintenance) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// RunOnce executes every task. A failing task is logged and does not stop
// the others; the first error is returned.
func (m *Maintenance) RunOnce(ctx context.Context) (Result, error) {
	var (
		res      Result
		firstErr error
	)
	now := m.now()
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.DB != nil {
		n, err := repo.DeleteExpiredIdempotency(ctx, m.DB, now)
		if err != nil {
			m.Log.Error().Err(err).Msg("maintenance: expire idempotency")
		}
		keep(err)
		res.Idempotency = n

		retention := m.Retention
		if retention <= 0 {
			retention = store.RetentionTTL
		}
		n, err = repo.PruneWebhookEvents(ctx, m.DB, now.Add(-retention))
		if err != nil {
			m.Log.Error().Err(err).Msg("maintenance: prune webhook events")
		}
		keep(err)
		res.WebhookEvents = n
	}
	if m.Sweeper != nil {
		res.KV = m.Sweeper.Sweep(now)
	}

	observability.MaintenanceRemoved.WithLabelValues("idempotency").Add(float64(res.Idempotency))
	observability.MaintenanceRemoved.WithLabelValues("webhook_events").Add(float64(res.WebhookEvents))
	observability.MaintenanceRemoved.WithLabelValues("kv").Add(float64(res.KV))

	m.Log.Info().
		Int64("idempotency", res.Idempotency).
		Int64("webhook_events", res.WebhookEvents).
		Int("kv", res.KV).
		Msg("maintenance pass finished")
	return res, firstErr
}

// Start schedules RunOnce on spec (standard five-field cron syntax; an empty
// spec uses DefaultSchedule) and starts the scheduler. Callers stop it with
// the returned cron's Stop.
func (m *Maintenance) Start(spec string) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		_, _ = m.RunOnce(ctx)
	}); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
