package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" koanf:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" koanf:"tier" validate:"oneof=community pro"`

	// Analysis thresholds for the graph engine
	Analysis AnalysisConfig `json:"analysis" koanf:"analysis"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" koanf:"repository"`
	Cache      CacheConfig      `json:"cache" koanf:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" koanf:"eventbus"`
	GraphSink  GraphSinkConfig  `json:"graphSink" koanf:"graphsink"`
	Worker     WorkerConfig     `json:"worker" koanf:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging" koanf:"logging"`
	Tracing TracingConfig `json:"tracing" koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" koanf:"host"`
	Port         int    `json:"port" koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout  int    `json:"readTimeout" koanf:"readtimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" koanf:"writetimeout"` // seconds

	// Per-tenant analysis submissions allowed per RateWindow (0 disables)
	RateLimit  int           `json:"rateLimit" koanf:"ratelimit"`
	RateWindow time.Duration `json:"rateWindow" koanf:"ratewindow"`

	// MaxTransactions bounds a single request body
	MaxTransactions int `json:"maxTransactions" koanf:"maxtransactions"`

	// AnalysisTimeout bounds one analysis run, independent of the callers waiting on it
	AnalysisTimeout time.Duration `json:"analysisTimeout" koanf:"analysistimeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" koanf:"level"`   // debug, info, warn, error
	Format string `json:"format" koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" koanf:"enabled"`
	ServiceName  string `json:"serviceName" koanf:"servicename"`
	ExporterType string `json:"exporterType" koanf:"exportertype"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" koanf:"endpoint"`
}

// WorkerConfig controls the async analysis worker.
type WorkerConfig struct {
	Enabled bool     `json:"enabled" koanf:"enabled"`
	Tenants []string `json:"tenants" koanf:"tenants"` // empty = all tenants
	Count   int      `json:"count" koanf:"count" validate:"gte=0"`
}

// GraphSinkConfig holds the optional Neo4j export settings.
type GraphSinkConfig struct {
	Enabled   bool   `json:"enabled" koanf:"enabled"`
	URI       string `json:"uri" koanf:"uri"`
	Username  string `json:"username" koanf:"username"`
	Password  string `json:"password" koanf:"password"`
	Database  string `json:"database" koanf:"database"`
	BatchSize int    `json:"batchSize" koanf:"batchsize"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// AnalysisConfig holds every tunable of the analysis core.
type AnalysisConfig struct {
	// Ingestion
	ChunkSize     int `json:"chunkSize" koanf:"chunksize" validate:"gt=0"`
	EdgeCap       int `json:"edgeCap" koanf:"edgecap" validate:"gt=0"`
	DisplayTxCap  int `json:"displayTxCap" koanf:"displaytxcap" validate:"gte=0"`
	ProgressEvery int `json:"progressEvery" koanf:"progressevery" validate:"gte=1"` // chunks between progress events

	// Cycle detection
	CycleMinLength int `json:"cycleMinLength" koanf:"cycleminlength" validate:"gte=2"`
	CycleMaxLength int `json:"cycleMaxLength" koanf:"cyclemaxlength" validate:"gtefield=CycleMinLength"`
	CycleMaxDepth  int `json:"cycleMaxDepth" koanf:"cyclemaxdepth" validate:"gtefield=CycleMaxLength"`
	CycleBudget    int `json:"cycleBudget" koanf:"cyclebudget" validate:"gt=0"`

	// Fan detection
	FanThreshold   int `json:"fanThreshold" koanf:"fanthreshold" validate:"gt=0"`
	FanWindowHours int `json:"fanWindowHours" koanf:"fanwindowhours" validate:"gte=0"` // 0 disables windowing

	// Shell chain detection
	ShellMinDegree int `json:"shellMinDegree" koanf:"shellmindegree" validate:"gte=1"`
	ShellMaxDegree int `json:"shellMaxDegree" koanf:"shellmaxdegree" validate:"gtefield=ShellMinDegree"`
	ShellMinLength int `json:"shellMinLength" koanf:"shellminlength" validate:"gte=2"`
	ShellMaxDepth  int `json:"shellMaxDepth" koanf:"shellmaxdepth" validate:"gtefield=ShellMinLength"`
	ShellBudget    int `json:"shellBudget" koanf:"shellbudget" validate:"gt=0"`

	// Score caps
	StructuralCap float64 `json:"structuralCap" koanf:"structuralcap" validate:"gte=0,lte=100"`
	BehavioralCap float64 `json:"behavioralCap" koanf:"behavioralcap" validate:"gte=0,lte=100"`
	NetworkCap    float64 `json:"networkCap" koanf:"networkcap" validate:"gte=0,lte=100"`

	// Behavioral thresholds
	VelocityThreshold float64       `json:"velocityThreshold" koanf:"velocitythreshold"` // tx/hour floor
	BalanceEpsilon    float64       `json:"balanceEpsilon" koanf:"balanceepsilon" validate:"gte=0"`
	BurstWindow       time.Duration `json:"burstWindow" koanf:"burstwindow"`
	BurstCount        int           `json:"burstCount" koanf:"burstcount"`
	ClusterTolerance  float64       `json:"clusterTolerance" koanf:"clustertolerance" validate:"gt=0,lt=1"`
	ClusterMinSize    int           `json:"clusterMinSize" koanf:"clusterminsize" validate:"gte=2"`
	OutlierZ          float64       `json:"outlierZ" koanf:"outlierz"`
	RoundUnit         float64       `json:"roundUnit" koanf:"roundunit" validate:"gt=0"`

	// Ring formation
	MinSpokes int `json:"minSpokes" koanf:"minspokes" validate:"gte=1"`
}

// DefaultAnalysisConfig returns the reference thresholds.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		ChunkSize:     2000,
		EdgeCap:       10000,
		DisplayTxCap:  50,
		ProgressEvery: 1,

		CycleMinLength: 3,
		CycleMaxLength: 5,
		CycleMaxDepth:  6,
		CycleBudget:    800,

		FanThreshold:   10,
		FanWindowHours: 72,

		ShellMinDegree: 2,
		ShellMaxDegree: 3,
		ShellMinLength: 3,
		ShellMaxDepth:  6,
		ShellBudget:    800,

		StructuralCap: 70,
		BehavioralCap: 35,
		NetworkCap:    30,

		VelocityThreshold: 10,
		BalanceEpsilon:    0.01,
		BurstWindow:       time.Hour,
		BurstCount:        3,
		ClusterTolerance:  0.05,
		ClusterMinSize:    3,
		OutlierZ:          2,
		RoundUnit:         1000,

		MinSpokes: 3,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30,
			WriteTimeout:    120,
			RateLimit:       30,
			RateWindow:      time.Minute,
			MaxTransactions: 500000,
			AnalysisTimeout: 10 * time.Minute,
		},
		Tier:     TierCommunity,
		Analysis: DefaultAnalysisConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 256,
			LocalTTL:     15 * time.Minute,
			ResultTTL:    time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		GraphSink: GraphSinkConfig{
			Enabled:   false,
			URI:       "neo4j://localhost:7687",
			Username:  "neo4j",
			Database:  "neo4j",
			BatchSize: 500,
		},
		Worker: WorkerConfig{
			Count: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   64,
		LocalTTL:       15 * time.Minute,
		ResultTTL:      time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Worker.Count = 5
	cfg.Tracing.Enabled = true
	return cfg
}
