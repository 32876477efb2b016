package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-prepaid-billing/internal/repo"
	"github.com/tbourn/go-prepaid-billing/internal/store"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
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

// ----- Fake payment gateway -----

type fakeGateway struct {
	mu sync.Mutex

	customerID  string
	customerErr error
	customers   []string

	checkout       CheckoutSession
	checkoutErr    error
	checkoutParams []CheckoutParams

	intent    PaymentIntent
	chargeErr error
	charges   []OffSessionCharge

	pmForIntent string
	pmErr       error

	event    PaymentEvent
	parseErr error
}

func (g *fakeGateway) CreateCustomer(_ context.Context, accountID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customers = append(g.customers, accountID)
	if g.customerErr != nil {
		return "", g.customerErr
	}
	return g.customerID, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, p CheckoutParams) (CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkoutParams = append(g.checkoutParams, p)
	return g.checkout, g.checkoutErr
}

func (g *fakeGateway) ChargeOffSession(_ context.Context, p OffSessionCharge) (PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, p)
	return g.intent, g.chargeErr
}

func (g *fakeGateway) PaymentMethodForIntent(_ context.Context, _ string) (string, error) {
	return g.pmForIntent, g.pmErr
}

func (g *fakeGateway) ParseWebhook(_ []byte, _ string) (PaymentEvent, error) {
	return g.event, g.parseErr
}

// ----- Fake synthesizer -----

type fakeSynth struct {
	mu    sync.Mutex
	audio []byte
	err   error
	calls int
}

func (s *fakeSynth) Synthesize(_ context.Context, _ SynthesisRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.audio, nil
}

var errSynth = errors.New("upstream 503")

// cancelingSynth stands in for a client that disconnects mid-synthesis: it
// cancels the request context and fails with the context error.
type cancelingSynth struct {
	cancel context.CancelFunc
}

func (s cancelingSynth) Synthesize(ctx context.Context, _ SynthesisRequest) ([]byte, error) {
	s.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

// ----- Harness -----

type harness struct {
	store     store.Store
	db        *gorm.DB
	ledger    *Ledger
	summaries *Summaries
	idem      *Idempotency
	auto      *AutoRecharge
	gw        *fakeGateway
	synth     *fakeSynth
	meter     *PrepaidMeter
	webhooks  *Webhooks
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewMemory())
}

// newRedisHarness runs the services against the Redis store on miniredis.
func newRedisHarness(t *testing.T) (*harness, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return newHarnessOn(t, store.NewRedis(rdb)), mr
}

func newHarnessOn(t *testing.T, st store.Store) *harness {
	t.Helper()
	db := newTestDB(t)
	gw := &fakeGateway{}
	synth := &fakeSynth{audio: []byte("ID3audio")}
	log := zerolog.Nop()

	ledger := &Ledger{Store: st, DB: db, Log: log}
	auto := &AutoRecharge{Store: st, Ledger: ledger, Gateway: gw, Log: log}
	h := &harness{
		store:     st,
		db:        db,
		ledger:    ledger,
		summaries: &Summaries{Store: st},
		idem:      &Idempotency{Store: st},
		auto:      auto,
		gw:        gw,
		synth:     synth,
	}
	h.meter = &PrepaidMeter{
		Ledger:       ledger,
		Summaries:    h.summaries,
		Idempotency:  h.idem,
		AutoRecharge: auto,
		Synth:        synth,
		Log:          log,
	}
	h.webhooks = &Webhooks{Store: st, Ledger: ledger, AutoRecharge: auto, Gateway: gw, DB: db, Log: log}
	return h
}

func (h *harness) fund(t *testing.T, acct string, micros int64) {
	t.Helper()
	if _, err := h.ledger.Credit(context.Background(), DeltaInput{
		AccountID:    acct,
		AmountMicros: micros,
		Type:         "topup_credit",
		Source:       "test",
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (h *harness) balance(t *testing.T, acct string) int64 {
	t.Helper()
	w, err := h.ledger.Wallet(context.Background(), acct)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	return w.BalanceMicros
}

func ptr[T any](v T) *T { return &v }
