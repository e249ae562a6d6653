package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    status TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    error TEXT,
    total_transactions INTEGER NOT NULL DEFAULT 0,
    ring_count INTEGER NOT NULL DEFAULT 0,
    suspicious_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    result TEXT
);

CREATE INDEX IF NOT EXISTS idx_analyses_tenant ON analyses(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_analyses_fingerprint ON analyses(tenant_id, fingerprint);
`

const schemaRings = `
CREATE TABLE IF NOT EXISTS rings (
    tenant_id TEXT NOT NULL,
    analysis_id TEXT NOT NULL,
    ring_id TEXT NOT NULL,
    pattern TEXT NOT NULL,
    risk_score REAL NOT NULL,
    avg_suspicion REAL NOT NULL,
    hub TEXT,
    members TEXT NOT NULL,
    PRIMARY KEY (tenant_id, analysis_id, ring_id)
);

CREATE INDEX IF NOT EXISTS idx_rings_risk ON rings(tenant_id, analysis_id, risk_score);
CREATE INDEX IF NOT EXISTS idx_rings_pattern ON rings(tenant_id, pattern);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    factor TEXT,
    weight REAL NOT NULL DEFAULT 1.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAnalyses,
		schemaRings,
		schemaRuleConfigs,
	}
}
