// Package analysis runs forensic graph analyses on behalf of tenants:
// validation, result caching, persistence, event publication and export.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graphsink"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var (
	// ErrInvalidRequest wraps validation failures of a submission.
	ErrInvalidRequest = errors.New("invalid analysis request")

	// ErrTooManyTransactions is returned when a submission exceeds the configured bound.
	ErrTooManyTransactions = errors.New("too many transactions")

	// ErrNotFound is returned for unknown analyses.
	ErrNotFound = repository.ErrNotFound
)

var tracer = otel.Tracer("kestrel-analysis")

var validate = validator.New()

// Config tunes the service.
type Config struct {
	Analysis        domain.AnalysisConfig
	ResultTTL       time.Duration
	MaxTransactions int
	RunTimeout      time.Duration
}

// Deps are the collaborators of the service. Only Repo is required.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Rules    *rules.Engine
	Exporter *graphsink.Exporter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Service coordinates analyses for all tenants.
type Service struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	flights singleflight.Group
}

// New creates the service.
func New(cfg Config, deps Deps) *Service {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 15 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, deps: deps, log: log}
}

// Analyze runs an analysis synchronously. Identical datasets are served from
// the result cache, and concurrent identical submissions share one run. The
// shared run is detached from any single caller and bounded by RunTimeout; a
// caller that gives up gets its own context error. progress may be nil.
func (s *Service) Analyze(ctx context.Context, tenantID string, req *domain.AnalysisRequest, progress domain.ProgressFunc) (*domain.AnalysisRecord, error) {
	if err := s.validate(tenantID, req); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "analysis.analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("transactions", len(req.Transactions)),
	)

	fp := Fingerprint(req.Transactions, s.settings())

	if err := ctx.Err(); err != nil {
		s.fail(ctx, tenantID, req.AnalysisID, fp, err)
		return nil, err
	}

	if rec := s.cached(ctx, tenantID, fp); rec != nil {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		s.deps.Metrics.ObserveAnalysis("cached", 0, 0, 0, 0)
		return s.adopt(ctx, tenantID, req.AnalysisID, rec), nil
	}

	flight := s.flights.DoChan(tenantID+":"+fp, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RunTimeout)
		defer cancel()
		if rec := s.cached(runCtx, tenantID, fp); rec != nil {
			return rec, nil
		}
		return s.run(runCtx, tenantID, req, fp, progress)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		res.Err = ctx.Err()
	case res = <-flight:
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		s.fail(ctx, tenantID, req.AnalysisID, fp, res.Err)
		return nil, res.Err
	}

	rec, ok := res.Val.(*domain.AnalysisRecord)
	if !ok {
		return nil, fmt.Errorf("unexpected analysis flight result %T", res.Val)
	}
	span.SetAttributes(attribute.Bool("shared", res.Shared), attribute.String("analysis_id", rec.ID))
	return s.adopt(ctx, tenantID, req.AnalysisID, rec), nil
}

// Submit queues an analysis for the worker and returns the pending record.
func (s *Service) Submit(ctx context.Context, tenantID string, req *domain.AnalysisRequest) (*domain.AnalysisRecord, error) {
	if err := s.validate(tenantID, req); err != nil {
		return nil, err
	}
	if s.deps.Bus == nil {
		return nil, fmt.Errorf("event bus not configured")
	}

	queued := *req
	if queued.AnalysisID == "" {
		queued.AnalysisID = uuid.New().String()
	}

	rec := &domain.AnalysisRecord{
		ID:          queued.AnalysisID,
		TenantID:    tenantID,
		Status:      domain.AnalysisPending,
		Fingerprint: Fingerprint(queued.Transactions, s.settings()),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.deps.Repo.SaveAnalysis(ctx, tenantID, rec); err != nil {
		return nil, fmt.Errorf("save pending analysis: %w", err)
	}

	if err := bus.PublishJSON(ctx, s.deps.Bus, tenantID, domain.TopicAnalysisRequested, queued); err != nil {
		rec.Status = domain.AnalysisFailed
		rec.Error = err.Error()
		_ = s.deps.Repo.SaveAnalysis(ctx, tenantID, rec)
		return nil, fmt.Errorf("queue analysis: %w", err)
	}

	s.log.Info("analysis queued",
		"tenant_id", tenantID,
		"analysis_id", rec.ID,
		"transactions", len(queued.Transactions),
	)
	return rec, nil
}

// Get returns one analysis with its result.
func (s *Service) Get(ctx context.Context, tenantID, analysisID string) (*domain.AnalysisRecord, error) {
	return s.deps.Repo.GetAnalysis(ctx, tenantID, analysisID)
}

// List returns recent analyses for a tenant, newest first.
func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]*domain.AnalysisSummary, error) {
	return s.deps.Repo.ListAnalyses(ctx, tenantID, limit)
}

// Rings returns an analysis's rings with risk at least minRisk.
func (s *Service) Rings(ctx context.Context, tenantID, analysisID string, minRisk float64) ([]domain.Ring, error) {
	rings, err := s.deps.Repo.ListRings(ctx, tenantID, analysisID, minRisk)
	if err != nil {
		return nil, err
	}
	if len(rings) == 0 {
		// distinguish "no rings" from "no such analysis"
		if _, err := s.deps.Repo.GetAnalysis(ctx, tenantID, analysisID); err != nil {
			return nil, err
		}
	}
	return rings, nil
}

func (s *Service) run(ctx context.Context, tenantID string, req *domain.AnalysisRequest, fp string, progress domain.ProgressFunc) (*domain.AnalysisRecord, error) {
	start := time.Now()
	rec := &domain.AnalysisRecord{
		ID:          req.AnalysisID,
		TenantID:    tenantID,
		Status:      domain.AnalysisPending,
		Fingerprint: fp,
		CreatedAt:   start.UTC(),
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	log := s.log.With("tenant_id", tenantID, "analysis_id", rec.ID)

	if err := s.deps.Repo.SaveAnalysis(ctx, tenantID, rec); err != nil {
		log.Error("failed to save pending analysis", "error", err)
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithProgress(func(p domain.Progress) {
			if progress != nil {
				progress(p)
			}
			s.publish(ctx, tenantID, domain.TopicAnalysisProgress, domain.AnalysisEvent{
				AnalysisID: rec.ID,
				TenantID:   tenantID,
				Progress:   &p,
			})
		}),
	}
	if s.deps.Rules != nil && s.deps.Rules.RulesCount() > 0 {
		opts = append(opts, pipeline.WithRules(s.deps.Rules))
	}

	result, err := pipeline.Run(ctx, s.cfg.Analysis, req.Transactions, opts...)
	if err != nil {
		rec.Status = domain.AnalysisFailed
		rec.Error = err.Error()
		// the request context may already be gone
		saveCtx := context.WithoutCancel(ctx)
		if serr := s.deps.Repo.SaveAnalysis(saveCtx, tenantID, rec); serr != nil {
			log.Error("failed to save failed analysis", "error", serr)
		}
		s.publish(saveCtx, tenantID, domain.TopicAnalysisFailed, domain.AnalysisEvent{
			AnalysisID: rec.ID,
			TenantID:   tenantID,
			Error:      rec.Error,
		})
		s.deps.Metrics.ObserveAnalysis("failed", time.Since(start), 0, 0, 0)
		return nil, err
	}

	rec.Status = domain.AnalysisCompleted
	rec.Result = result

	if err := s.deps.Repo.SaveAnalysis(ctx, tenantID, rec); err != nil {
		log.Error("failed to save analysis", "error", err)
	}
	if err := s.deps.Repo.SaveRings(ctx, tenantID, rec.ID, result.Rings); err != nil {
		log.Error("failed to save rings", "error", err)
	}
	if s.deps.Cache != nil {
		if err := s.deps.Cache.SetResult(ctx, tenantID, fp, rec, s.cfg.ResultTTL); err != nil {
			log.Warn("failed to cache analysis", "error", err)
		}
	}

	s.publish(ctx, tenantID, domain.TopicAnalysisCompleted, domain.AnalysisEvent{
		AnalysisID: rec.ID,
		TenantID:   tenantID,
		RingCount:  len(result.Rings),
		Suspicious: len(result.SuspiciousNodes),
	})

	if s.deps.Exporter != nil {
		if _, err := s.deps.Exporter.Export(ctx, tenantID, rec.ID, result); err != nil {
			log.Error("graph export failed", "error", err)
		}
	}

	s.deps.Metrics.ObserveAnalysis("completed", time.Since(start),
		result.Metadata.TotalTransactions, len(result.Rings), len(result.SuspiciousNodes))

	log.Info("analysis completed",
		"transactions", result.Metadata.TotalTransactions,
		"rings", len(result.Rings),
		"suspicious", len(result.SuspiciousNodes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return rec, nil
}

// adopt returns rec under the caller's requested ID. A queued analysis that
// hits the cache, or joins another run, still completes its own record.
func (s *Service) adopt(ctx context.Context, tenantID, wantID string, rec *domain.AnalysisRecord) *domain.AnalysisRecord {
	if wantID == "" || wantID == rec.ID {
		return rec
	}

	own := *rec
	own.ID = wantID
	own.TenantID = tenantID
	own.CreatedAt = time.Now().UTC()

	if err := s.deps.Repo.SaveAnalysis(ctx, tenantID, &own); err != nil {
		s.log.Error("failed to save adopted analysis", "analysis_id", wantID, "error", err)
	}
	if own.Result != nil {
		if err := s.deps.Repo.SaveRings(ctx, tenantID, wantID, own.Result.Rings); err != nil {
			s.log.Error("failed to save adopted rings", "analysis_id", wantID, "error", err)
		}
		s.publish(ctx, tenantID, domain.TopicAnalysisCompleted, domain.AnalysisEvent{
			AnalysisID: wantID,
			TenantID:   tenantID,
			RingCount:  len(own.Result.Rings),
			Suspicious: len(own.Result.SuspiciousNodes),
		})
	}
	return &own
}

// fail marks the caller's own record FAILED when it is still pending or was
// never written. A run that already recorded its outcome is left alone.
func (s *Service) fail(ctx context.Context, tenantID, analysisID, fp string, cause error) {
	if analysisID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if cur, err := s.deps.Repo.GetAnalysis(ctx, tenantID, analysisID); err == nil && cur.Status != domain.AnalysisPending {
		return
	}

	rec := &domain.AnalysisRecord{
		ID:          analysisID,
		TenantID:    tenantID,
		Status:      domain.AnalysisFailed,
		Fingerprint: fp,
		Error:       cause.Error(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.deps.Repo.SaveAnalysis(ctx, tenantID, rec); err != nil {
		s.log.Error("failed to save failed analysis", "analysis_id", analysisID, "error", err)
	}
	s.publish(ctx, tenantID, domain.TopicAnalysisFailed, domain.AnalysisEvent{
		AnalysisID: analysisID,
		TenantID:   tenantID,
		Error:      rec.Error,
	})
}

func (s *Service) cached(ctx context.Context, tenantID, fp string) *domain.AnalysisRecord {
	if s.deps.Cache == nil {
		return nil
	}
	rec, err := s.deps.Cache.GetResult(ctx, tenantID, fp)
	if err != nil {
		s.log.Warn("result cache lookup failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	s.deps.Metrics.CacheLookup(rec != nil)
	return rec
}

func (s *Service) publish(ctx context.Context, tenantID, topic string, ev domain.AnalysisEvent) {
	if s.deps.Bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, s.deps.Bus, tenantID, topic, ev); err != nil {
		s.log.Warn("failed to publish analysis event",
			"tenant_id", tenantID,
			"topic", topic,
			"error", err,
		)
	}
}

func (s *Service) validate(tenantID string, req *domain.AnalysisRequest) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	if req == nil {
		return fmt.Errorf("%w: request body is required", ErrInvalidRequest)
	}
	if s.cfg.MaxTransactions > 0 && len(req.Transactions) > s.cfg.MaxTransactions {
		return fmt.Errorf("%w: %d exceeds limit of %d", ErrTooManyTransactions, len(req.Transactions), s.cfg.MaxTransactions)
	}
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (s *Service) settings() uint64 {
	var loaded []*domain.RuleConfig
	if s.deps.Rules != nil {
		loaded = s.deps.Rules.GetLoadedRules()
	}
	return settingsHash(s.cfg.Analysis, loaded)
}
