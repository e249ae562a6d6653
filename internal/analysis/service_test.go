package analysis

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graphsink"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var t0 = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

func triangle() []domain.Transaction {
	return []domain.Transaction{
		{ID: "t1", Sender: "A", Receiver: "B", Amount: 900, Timestamp: t0},
		{ID: "t2", Sender: "B", Receiver: "C", Amount: 880, Timestamp: t0.Add(24 * time.Hour)},
		{ID: "t3", Sender: "C", Receiver: "A", Amount: 860, Timestamp: t0.Add(48 * time.Hour)},
	}
}

type fixture struct {
	svc    *Service
	repo   domain.Repository
	bus    *bus.ChannelBus
	sink   *graphsink.MemoryClient
	engine *rules.Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-analysis-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	b := bus.NewChannelBus(64)
	t.Cleanup(func() { b.Close() })

	sink := graphsink.NewMemoryClient()

	if cfg.Analysis.CycleMaxLength == 0 {
		cfg.Analysis = domain.DefaultAnalysisConfig()
	}

	svc := New(cfg, Deps{
		Repo:     repo,
		Cache:    cache.NewLRUCache(64),
		Bus:      b,
		Rules:    engine,
		Exporter: graphsink.NewExporter(sink, 100, nil),
		Metrics:  metrics.New(),
	})
	return &fixture{svc: svc, repo: repo, bus: b, sink: sink, engine: engine}
}

func TestAnalyze(t *testing.T) {
	ctx := context.Background()

	t.Run("PersistsResultAndRings", func(t *testing.T) {
		f := newFixture(t, Config{})

		rec, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, nil)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if rec.ID == "" || rec.Status != domain.AnalysisCompleted {
			t.Fatalf("unexpected record: %+v", rec)
		}
		if len(rec.Result.Rings) != 1 {
			t.Fatalf("expected 1 ring, got %d", len(rec.Result.Rings))
		}

		stored, err := f.svc.Get(ctx, "tenant-001", rec.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if stored.Fingerprint != rec.Fingerprint {
			t.Errorf("fingerprint mismatch: %s vs %s", stored.Fingerprint, rec.Fingerprint)
		}

		rings, err := f.svc.Rings(ctx, "tenant-001", rec.ID, 0)
		if err != nil {
			t.Fatalf("Rings failed: %v", err)
		}
		if len(rings) != 1 || rings[0].Patterns[0] != domain.PatternCycle3 {
			t.Errorf("unexpected rings: %+v", rings)
		}

		if len(f.sink.WriteCalls()) == 0 {
			t.Error("expected graph export writes")
		}
	})

	t.Run("CacheHitReusesResult", func(t *testing.T) {
		f := newFixture(t, Config{})

		first, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, nil)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		writes := len(f.sink.WriteCalls())

		second, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, nil)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("expected cached record %s, got %s", first.ID, second.ID)
		}
		if len(f.sink.WriteCalls()) != writes {
			t.Error("cache hit should not export again")
		}
	})

	t.Run("CacheHitAdoptsRequestedID", func(t *testing.T) {
		f := newFixture(t, Config{})

		first, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, nil)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}

		second, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{
			AnalysisID:   "queued-1",
			Transactions: triangle(),
		}, nil)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if second.ID != "queued-1" || second.Fingerprint != first.Fingerprint {
			t.Fatalf("unexpected adopted record: %+v", second)
		}

		stored, err := f.svc.Get(ctx, "tenant-001", "queued-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if stored.Status != domain.AnalysisCompleted {
			t.Errorf("expected COMPLETED, got %s", stored.Status)
		}
		rings, err := f.svc.Rings(ctx, "tenant-001", "queued-1", 0)
		if err != nil || len(rings) != 1 {
			t.Errorf("expected adopted rings, got %v (%v)", rings, err)
		}
	})

	t.Run("TenantsDoNotShareCache", func(t *testing.T) {
		f := newFixture(t, Config{})

		a, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, nil)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		b, err := f.svc.Analyze(ctx, "tenant-002", &domain.AnalysisRequest{Transactions: triangle()}, nil)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if a.ID == b.ID {
			t.Error("tenants must not share analyses")
		}
		if _, err := f.svc.Get(ctx, "tenant-002", a.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound across tenants, got %v", err)
		}
	})

	t.Run("ProgressReachesCallbackAndBus", func(t *testing.T) {
		f := newFixture(t, Config{})

		var busEvents atomic.Int64
		sub, err := f.bus.Subscribe(ctx, "tenant-001", domain.TopicAnalysisProgress, func(ctx context.Context, msg *domain.Message) error {
			busEvents.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		var mu sync.Mutex
		var last domain.Progress
		_, err = f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, func(p domain.Progress) {
			mu.Lock()
			last = p
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}

		mu.Lock()
		defer mu.Unlock()
		if last.Status != domain.ProgressCompleted || last.Percent != 100 {
			t.Errorf("expected final completed progress, got %+v", last)
		}

		deadline := time.Now().Add(2 * time.Second)
		for busEvents.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if busEvents.Load() == 0 {
			t.Error("expected progress events on the bus")
		}
	})

	t.Run("PublishesCompleted", func(t *testing.T) {
		f := newFixture(t, Config{})

		got := make(chan domain.AnalysisEvent, 1)
		sub, err := f.bus.Subscribe(ctx, "tenant-001", domain.TopicAnalysisCompleted, func(ctx context.Context, msg *domain.Message) error {
			var ev domain.AnalysisEvent
			if err := bus.Decode(msg, &ev); err != nil {
				return err
			}
			got <- ev
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		rec, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, nil)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}

		select {
		case ev := <-got:
			if ev.AnalysisID != rec.ID || ev.RingCount != 1 || ev.Suspicious != 3 {
				t.Errorf("unexpected event: %+v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for completed event")
		}
	})

	t.Run("RulesChangeFingerprint", func(t *testing.T) {
		f := newFixture(t, Config{})

		before, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, nil)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}

		if err := f.engine.LoadRule(&domain.RuleConfig{
			ID:         "busy",
			Name:       "Busy account",
			Expression: "total_degree >= 2",
			Weight:     5,
			Enabled:    true,
		}); err != nil {
			t.Fatalf("LoadRule failed: %v", err)
		}

		after, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, nil)
		if err != nil {
			t.Fatalf("Analyze failed: %v", err)
		}
		if before.Fingerprint == after.Fingerprint || before.ID == after.ID {
			t.Error("loading a rule should invalidate cached results")
		}
	})

	t.Run("Validation", func(t *testing.T) {
		f := newFixture(t, Config{MaxTransactions: 2})

		tests := []struct {
			name   string
			tenant string
			req    *domain.AnalysisRequest
			want   error
		}{
			{"MissingTenant", "", &domain.AnalysisRequest{Transactions: triangle()[:1]}, ErrInvalidRequest},
			{"NilRequest", "tenant-001", nil, ErrInvalidRequest},
			{"Empty", "tenant-001", &domain.AnalysisRequest{}, ErrInvalidRequest},
			{"MissingReceiver", "tenant-001", &domain.AnalysisRequest{Transactions: []domain.Transaction{{Sender: "A", Amount: 1}}}, ErrInvalidRequest},
			{"TooMany", "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, ErrTooManyTransactions},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.Analyze(ctx, tt.tenant, tt.req, nil)
				if !errors.Is(err, tt.want) {
					t.Errorf("expected %v, got %v", tt.want, err)
				}
			})
		}
	})

	t.Run("CancelledRecordsFailure", func(t *testing.T) {
		f := newFixture(t, Config{})

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := f.svc.Analyze(cctx, "tenant-001", &domain.AnalysisRequest{
			AnalysisID:   "cancelled-1",
			Transactions: triangle(),
		}, nil)
		if err == nil {
			t.Fatal("expected error for cancelled context")
		}

		stored, err := f.svc.Get(ctx, "tenant-001", "cancelled-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if stored.Status != domain.AnalysisFailed || stored.Error == "" {
			t.Errorf("expected FAILED record with error, got %+v", stored)
		}
	})

	t.Run("LeaderCancelDoesNotFailSharedRun", func(t *testing.T) {
		f := newFixture(t, Config{})

		started, release := make(chan struct{}), make(chan struct{})
		var once sync.Once
		blockFirst := func(domain.Progress) {
			once.Do(func() {
				close(started)
				<-release
			})
		}

		lctx, cancel := context.WithCancel(ctx)
		leaderErr := make(chan error, 1)
		go func() {
			_, err := f.svc.Analyze(lctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, blockFirst)
			leaderErr <- err
		}()
		<-started

		type outcome struct {
			rec *domain.AnalysisRecord
			err error
		}
		follower := make(chan outcome, 1)
		go func() {
			rec, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()}, nil)
			follower <- outcome{rec, err}
		}()
		time.Sleep(50 * time.Millisecond)

		cancel()
		if err := <-leaderErr; !errors.Is(err, context.Canceled) {
			t.Errorf("expected leader to see context.Canceled, got %v", err)
		}
		close(release)

		got := <-follower
		if got.err != nil {
			t.Fatalf("follower failed: %v", got.err)
		}
		if got.rec.Status != domain.AnalysisCompleted || len(got.rec.Result.Rings) != 1 {
			t.Errorf("expected completed record with one ring, got %+v", got.rec)
		}
	})

	t.Run("FailedRunFailsWaitingRecords", func(t *testing.T) {
		f := newFixture(t, Config{RunTimeout: 20 * time.Millisecond})

		queued := &domain.AnalysisRecord{ID: "queued-2", TenantID: "tenant-001", Status: domain.AnalysisPending, CreatedAt: time.Now().UTC()}
		if err := f.repo.SaveAnalysis(ctx, "tenant-001", queued); err != nil {
			t.Fatalf("SaveAnalysis failed: %v", err)
		}

		started, release := make(chan struct{}), make(chan struct{})
		var once sync.Once
		blockFirst := func(domain.Progress) {
			once.Do(func() {
				close(started)
				<-release
			})
		}

		leaderErr := make(chan error, 1)
		go func() {
			_, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{AnalysisID: "lead-1", Transactions: triangle()}, blockFirst)
			leaderErr <- err
		}()
		<-started

		followerErr := make(chan error, 1)
		go func() {
			_, err := f.svc.Analyze(ctx, "tenant-001", &domain.AnalysisRequest{AnalysisID: "queued-2", Transactions: triangle()}, nil)
			followerErr <- err
		}()
		time.Sleep(50 * time.Millisecond)
		close(release)

		if err := <-leaderErr; !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected leader deadline error, got %v", err)
		}
		if err := <-followerErr; !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected follower deadline error, got %v", err)
		}

		for _, id := range []string{"lead-1", "queued-2"} {
			stored, err := f.svc.Get(ctx, "tenant-001", id)
			if err != nil {
				t.Fatalf("Get %s failed: %v", id, err)
			}
			if stored.Status != domain.AnalysisFailed || stored.Error == "" {
				t.Errorf("%s: expected FAILED record with error, got %+v", id, stored)
			}
		}
	})
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	got := make(chan domain.AnalysisRequest, 1)
	sub, err := f.bus.Subscribe(ctx, "tenant-001", domain.TopicAnalysisRequested, func(ctx context.Context, msg *domain.Message) error {
		var req domain.AnalysisRequest
		if err := bus.Decode(msg, &req); err != nil {
			return err
		}
		got <- req
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	rec, err := f.svc.Submit(ctx, "tenant-001", &domain.AnalysisRequest{Transactions: triangle()})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if rec.Status != domain.AnalysisPending || rec.ID == "" {
		t.Fatalf("unexpected pending record: %+v", rec)
	}

	select {
	case req := <-got:
		if req.AnalysisID != rec.ID || len(req.Transactions) != 3 {
			t.Errorf("unexpected queued request: id=%s txs=%d", req.AnalysisID, len(req.Transactions))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued request")
	}

	stored, err := f.svc.Get(ctx, "tenant-001", rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != domain.AnalysisPending {
		t.Errorf("expected PENDING, got %s", stored.Status)
	}
}

func TestRingsUnknownAnalysis(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.svc.Rings(context.Background(), "tenant-001", "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint(triangle(), 1)

	t.Run("Stable", func(t *testing.T) {
		if Fingerprint(triangle(), 1) != base {
			t.Error("fingerprint should be deterministic")
		}
	})

	t.Run("SettingsMatter", func(t *testing.T) {
		if Fingerprint(triangle(), 2) == base {
			t.Error("settings should change the fingerprint")
		}
	})

	t.Run("FieldsMatter", func(t *testing.T) {
		fraud := true
		mutations := map[string]func(*domain.Transaction){
			"amount":   func(tx *domain.Transaction) { tx.Amount++ },
			"receiver": func(tx *domain.Transaction) { tx.Receiver = "Z" },
			"time":     func(tx *domain.Transaction) { tx.Timestamp = tx.Timestamp.Add(time.Second) },
			"label":    func(tx *domain.Transaction) { tx.IsFraud = &fraud },
		}
		for name, mutate := range mutations {
			txs := triangle()
			mutate(&txs[1])
			if Fingerprint(txs, 1) == base {
				t.Errorf("%s change not reflected in fingerprint", name)
			}
		}
	})

	t.Run("ConfigChangesSettings", func(t *testing.T) {
		cfg := domain.DefaultAnalysisConfig()
		a := settingsHash(cfg, nil)
		cfg.FanThreshold++
		if settingsHash(cfg, nil) == a {
			t.Error("config change should alter settings hash")
		}
	})
}
