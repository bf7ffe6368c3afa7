// Package config loads runtime configuration: scalar options from the
// environment, map-valued wagering and queue rules from a YAML file.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all recognized options.
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	PGHost      string `env:"PGHOST" envDefault:"localhost"`
	PGPort      int    `env:"PGPORT" envDefault:"5432"`
	PGUser      string `env:"PGUSER" envDefault:"wagerline"`
	PGPassword  string `env:"PGPASSWORD" envDefault:"wagerline"`
	PGDatabase  string `env:"PGDATABASE" envDefault:"wagerline"`
	// UseMemoryStore keeps all state in process; for dev and tests.
	UseMemoryStore bool `env:"USE_MEMORY_STORE" envDefault:"true"`

	// Server
	APIPort int `env:"API_PORT" envDefault:"3200"`

	// JWT
	JWTSecret string `env:"JWT_SECRET" envDefault:"change-me-in-production"`

	// Kafka (chat-bot relay)
	KafkaBrokers string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaEnabled bool   `env:"KAFKA_ENABLED" envDefault:"false"`

	// CORS
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// Dev
	AllowInsecureDefaults bool `env:"ALLOW_INSECURE_DEFAULTS" envDefault:"false"`

	// Hierarchy
	MaxHierarchyDepth int `env:"MAX_HIERARCHY_DEPTH" envDefault:"8"`

	// Ledger
	LedgerCheckpointInterval int64 `env:"LEDGER_CHECKPOINT_INTERVAL" envDefault:"1024"`

	// Matching queue
	QueueReservationTTLMs    int  `env:"QUEUE_RESERVATION_TTL_MS" envDefault:"30000"`
	QueueMaxAttempts         int  `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	QueueMaxRiskDelta        int  `env:"QUEUE_MAX_RISK_DELTA" envDefault:"25"`
	QueueAllowCrossTier      bool `env:"QUEUE_ALLOW_CROSS_TIER" envDefault:"true"`
	QueueStarvationThreshold int  `env:"QUEUE_STARVATION_THRESHOLD" envDefault:"10"`
	QueueItemTimeoutMs       int  `env:"QUEUE_ITEM_TIMEOUT_MS" envDefault:"86400000"`

	// Event bus
	BusBufferSize     int `env:"BUS_BUFFER_SIZE" envDefault:"256"`
	BusRingBufferSize int `env:"BUS_RING_BUFFER_SIZE" envDefault:"1024"`
	BusGracePeriodMs  int `env:"BUS_GRACE_PERIOD_MS" envDefault:"2000"`

	// SSE
	SSEHeartbeatMs int `env:"SSE_HEARTBEAT_MS" envDefault:"30000"`

	// Scheduler
	QueueSweepMs    int `env:"SCHEDULER_QUEUE_SWEEP_MS" envDefault:"1000"`
	SettleSweepMs   int `env:"SCHEDULER_SETTLE_SWEEP_MS" envDefault:"5000"`
	MetricsRollupMs int `env:"SCHEDULER_METRICS_ROLLUP_MS" envDefault:"10000"`

	// Rules file carrying the map-valued options.
	RulesFile string `env:"RULES_FILE"`

	Rules Rules `env:"-"`
}

// PriorityWeights weight the queue priority score; they should sum to 1.0.
type PriorityWeights struct {
	Tier float64 `yaml:"tier"`
	Age  float64 `yaml:"age"`
	Risk float64 `yaml:"risk"`
}

// Rules are the map-valued options loaded from YAML.
type Rules struct {
	// SportMinStake maps sport → minimum stake in minor units.
	SportMinStake map[string]int64 `yaml:"sportMinStake"`
	// BetTypeMaxOdds maps bet type → decimal odds ceiling in thousandths.
	BetTypeMaxOdds map[string]int64 `yaml:"betTypeMaxOdds"`
	// QueuePriorityWeights is the {tier, age, risk} weight vector.
	QueuePriorityWeights PriorityWeights `yaml:"queuePriorityWeights"`
	// DefaultCommissionStructure names the fallback structure.
	DefaultCommissionStructure string `yaml:"defaultCommissionStructure"`
}

// DefaultRules returns the built-in rule set used when no file is given.
func DefaultRules() Rules {
	return Rules{
		SportMinStake: map[string]int64{
			"football":   1000,
			"basketball": 1000,
			"baseball":   500,
			"hockey":     500,
			"soccer":     500,
			"tennis":     500,
		},
		BetTypeMaxOdds: map[string]int64{
			"moneyline": 15000,
			"spread":    3000,
			"total":     3000,
			"parlay":    100000,
			"prop":      25000,
			"future":    200000,
		},
		QueuePriorityWeights:       PriorityWeights{Tier: 0.4, Age: 0.4, Risk: 0.2},
		DefaultCommissionStructure: "standard",
	}
}

// Load parses environment variables and, when set, the YAML rules file.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Rules = DefaultRules()
	if cfg.RulesFile != "" {
		raw, err := os.ReadFile(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("read rules file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg.Rules); err != nil {
			return nil, fmt.Errorf("parse rules file: %w", err)
		}
	}
	if err := cfg.Rules.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects insecure configuration unless explicitly allowed.
func (c *Config) Validate() error {
	if c.AllowInsecureDefaults {
		return nil
	}
	if c.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET is set to the insecure default; set a strong secret or set ALLOW_INSECURE_DEFAULTS=true for local dev")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET is too short (%d chars); minimum 32 characters required", len(c.JWTSecret))
	}
	return nil
}

// Validate checks the weight vector and rule maps.
func (r *Rules) Validate() error {
	sum := r.QueuePriorityWeights.Tier + r.QueuePriorityWeights.Age + r.QueuePriorityWeights.Risk
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("queue priority weights must sum to 1.0, got %.3f", sum)
	}
	for sport, min := range r.SportMinStake {
		if min <= 0 {
			return fmt.Errorf("sportMinStake[%s] must be positive", sport)
		}
	}
	for bt, max := range r.BetTypeMaxOdds {
		if max <= 1000 {
			return fmt.Errorf("betTypeMaxOdds[%s] must exceed 1.000", bt)
		}
	}
	return nil
}

// DSN returns the PostgreSQL connection string, preferring DATABASE_URL.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}
