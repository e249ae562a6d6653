// Package worker runs queued analyses from the EventBus.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// QueueGroup is the queue all workers join so each request runs once.
const QueueGroup = "kestrel-workers"

// Analyzer runs one analysis request.
type Analyzer interface {
	Analyze(ctx context.Context, tenantID string, req *domain.AnalysisRequest, progress domain.ProgressFunc) (*domain.AnalysisRecord, error)
}

// Worker consumes TopicAnalysisRequested and runs each request.
type Worker struct {
	bus      domain.EventBus
	analyzer Analyzer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all tenants)
	TenantIDs []string

	// WorkerCount is the number of concurrent consumers per tenant
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, analyzer Analyzer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		analyzer: analyzer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	count := cfg.WorkerCount
	if count <= 0 {
		count = 1
	}

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.AllTenants}
	}

	for _, tenantID := range tenants {
		for i := 0; i < count; i++ {
			sub, err := w.bus.QueueSubscribe(w.ctx, tenantID, domain.TopicAnalysisRequested, QueueGroup, w.handleMessage)
			if err != nil {
				slog.Error("failed to start worker for tenant",
					"tenant_id", tenantID,
					"error", err,
				)
				if len(cfg.TenantIDs) == 0 {
					return err
				}
				break
			}
			w.mu.Lock()
			w.subscriptions = append(w.subscriptions, sub)
			w.mu.Unlock()
		}
	}

	slog.Info("workers started",
		"tenants", tenants,
		"per_tenant", count,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.AnalysisRequest
	if err := bus.Decode(msg, &req); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse analysis request",
			"message_id", msg.ID,
			"tenant_id", msg.TenantID,
			"error", err,
		)
		return err
	}

	slog.Debug("processing analysis",
		"analysis_id", req.AnalysisID,
		"tenant_id", msg.TenantID,
		"transactions", len(req.Transactions),
	)

	rec, err := w.analyzer.Analyze(ctx, msg.TenantID, &req, nil)
	if err != nil {
		w.failed.Add(1)
		slog.Error("queued analysis failed",
			"analysis_id", req.AnalysisID,
			"tenant_id", msg.TenantID,
			"error", err,
		)
		return err
	}
	w.processed.Add(1)

	slog.Info("queued analysis processed",
		"analysis_id", rec.ID,
		"tenant_id", msg.TenantID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
