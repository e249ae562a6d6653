// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Analysis operations
	SaveAnalysis(ctx context.Context, tenantID string, rec *AnalysisRecord) error
	GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*AnalysisRecord, error)
	ListAnalyses(ctx context.Context, tenantID string, limit int) ([]*AnalysisSummary, error)

	// Ring operations
	SaveRings(ctx context.Context, tenantID string, analysisID string, rings []Ring) error
	ListRings(ctx context.Context, tenantID string, analysisID string, minRisk float64) ([]Ring, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)
	DeleteRuleConfig(ctx context.Context, tenantID string, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver"`

	// SQLite specific
	SQLitePath string `koanf:"sqlitepath"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgreshost"`
	PostgresPort     int    `koanf:"postgresport"`
	PostgresUser     string `koanf:"postgresuser"`
	PostgresPassword string `koanf:"postgrespassword"`
	PostgresDB       string `koanf:"postgresdb"`
	PostgresSSLMode  string `koanf:"postgressslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"maxopenconns"`
	MaxIdleConns    int           `koanf:"maxidleconns"`
	ConnMaxLifetime time.Duration `koanf:"connmaxlifetime"`
}
