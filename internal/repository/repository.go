// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAnalysis stores or updates an analysis record with tenant isolation.
// The full result is stored as JSON alongside summary columns.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, tenantID string, rec *domain.AnalysisRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: analysis ID is required", ErrInvalidInput)
	}

	var result sql.NullString
	if rec.Result != nil {
		raw, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("failed to encode analysis result: %w", err)
		}
		result = sql.NullString{String: string(raw), Valid: true}
	}

	summary := rec.Summary()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO analyses (
			id, tenant_id, status, fingerprint, error,
			total_transactions, ring_count, suspicious_count, created_at, result
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			total_transactions = excluded.total_transactions,
			ring_count = excluded.ring_count,
			suspicious_count = excluded.suspicious_count,
			result = excluded.result
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.Status, rec.Fingerprint, rec.Error,
		summary.TotalTransactions, summary.RingCount, summary.SuspiciousCount,
		createdAt, result,
	)
	return err
}

// GetAnalysis retrieves an analysis by ID with tenant isolation.
func (r *SQLRepository) GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*domain.AnalysisRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, status, fingerprint, error, created_at, result
		FROM analyses
		WHERE tenant_id = ? AND id = ?
	`

	var rec domain.AnalysisRecord
	var errText, result sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, analysisID).Scan(
		&rec.ID, &rec.TenantID, &rec.Status, &rec.Fingerprint, &errText, &rec.CreatedAt, &result,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Error = errText.String
	if result.Valid && result.String != "" {
		var res domain.GraphAnalysisResult
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return nil, fmt.Errorf("failed to parse analysis result: %w", err)
		}
		rec.Result = &res
	}

	return &rec, nil
}

// ListAnalyses returns the newest analyses for a tenant, without results.
func (r *SQLRepository) ListAnalyses(ctx context.Context, tenantID string, limit int) ([]*domain.AnalysisSummary, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tenant_id, status, total_transactions, ring_count, suspicious_count, created_at
		FROM analyses
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []*domain.AnalysisSummary{}
	for rows.Next() {
		var s domain.AnalysisSummary
		if err := rows.Scan(
			&s.ID, &s.TenantID, &s.Status,
			&s.TotalTransactions, &s.RingCount, &s.SuspiciousCount, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		summaries = append(summaries, &s)
	}

	return summaries, rows.Err()
}

// SaveRings replaces the rings stored for an analysis.
func (r *SQLRepository) SaveRings(ctx context.Context, tenantID string, analysisID string, rings []domain.Ring) error {
	if tenantID == "" || analysisID == "" {
		return fmt.Errorf("%w: tenantID and analysisID are required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM rings WHERE tenant_id = ? AND analysis_id = ?`), tenantID, analysisID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO rings (
			tenant_id, analysis_id, ring_id, pattern, risk_score, avg_suspicion, hub, members
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ring := range rings {
		if len(ring.Patterns) != 1 {
			return fmt.Errorf("%w: ring %s must carry exactly one pattern", ErrInvalidInput, ring.ID)
		}
		members, _ := json.Marshal(ring.Members)
		if _, err := stmt.ExecContext(ctx,
			tenantID, analysisID, ring.ID, string(ring.Patterns[0]),
			ring.RiskScore, ring.AvgSuspicion, ring.Hub, string(members),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRings returns an analysis's rings with risk at least minRisk,
// highest risk first.
func (r *SQLRepository) ListRings(ctx context.Context, tenantID string, analysisID string, minRisk float64) ([]domain.Ring, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ring_id, pattern, risk_score, avg_suspicion, hub, members
		FROM rings
		WHERE tenant_id = ? AND analysis_id = ? AND risk_score >= ?
		ORDER BY risk_score DESC, ring_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, analysisID, minRisk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rings := []domain.Ring{}
	for rows.Next() {
		var ring domain.Ring
		var pattern, members string
		var hub sql.NullString

		if err := rows.Scan(&ring.ID, &pattern, &ring.RiskScore, &ring.AvgSuspicion, &hub, &members); err != nil {
			return nil, err
		}

		ring.Patterns = []domain.PatternType{domain.PatternType(pattern)}
		ring.Hub = hub.String
		if err := json.Unmarshal([]byte(members), &ring.Members); err != nil {
			return nil, fmt.Errorf("failed to parse ring members for %s: %w", ring.ID, err)
		}
		ring.MemberCount = len(ring.Members)
		rings = append(rings, ring)
	}

	return rings, rows.Err()
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, factor, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			factor = excluded.factor,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, rule.Factor, rule.Weight, enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, factor, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.RuleConfig
	var description, factor sql.NullString
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
		&cfg.Version, &cfg.Expression, &factor, &cfg.Weight, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Factor = factor.String
	cfg.Enabled = enabled == 1

	return &cfg, nil
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, factor, weight, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var description, factor sql.NullString
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
			&cfg.Version, &cfg.Expression, &factor, &cfg.Weight, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Description = description.String
		cfg.Factor = factor.String
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// DeleteRuleConfig soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeleteRuleConfig(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE rule_configs
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
