package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/rishansujesh/jobsched/internal/logging"
	redisx "github.com/rishansujesh/jobsched/internal/redis"
	"github.com/rishansujesh/jobsched/internal/scheduler"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

type Config struct {
	NodeID      string          `mapstructure:"node_id"`
	StoreDriver string          `mapstructure:"store_driver"`
	ClaimDriver string          `mapstructure:"claim_driver"`
	Postgres    PostgresConfig  `mapstructure:"postgres"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Leader      LeaderConfig    `mapstructure:"leader"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Events      EventsConfig    `mapstructure:"events"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Log         logging.Config  `mapstructure:"log"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the connection URL understood by pgx.
func (p PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     p.Host + ":" + p.Port,
		Path:     "/" + p.DB,
		RawQuery: "sslmode=" + p.SSLMode,
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Client() redisx.Config {
	return redisx.Config{Addr: r.Addr, Password: r.Password, DB: r.DB}
}

type LeaderConfig struct {
	Key    string `mapstructure:"key"`
	TTLSec int    `mapstructure:"ttl_sec"`
}

func (l LeaderConfig) TTL() time.Duration { return time.Duration(l.TTLSec) * time.Second }

type SchedulerConfig struct {
	Tick                   time.Duration `mapstructure:"tick"`
	MaxCronDelay           time.Duration `mapstructure:"max_cron_delay"`
	PoolSize               int           `mapstructure:"pool_size"`
	ContinueQueueOnFailure bool          `mapstructure:"continue_queue_on_failure"`
	Heartbeat              time.Duration `mapstructure:"heartbeat"`
	Housekeeping           time.Duration `mapstructure:"housekeeping"`
	StaleTimeout           time.Duration `mapstructure:"stale_timeout"`
	FinishedTTL            time.Duration `mapstructure:"finished_ttl"`
	ClaimTTL               time.Duration `mapstructure:"claim_ttl"`
	RunTimeout             time.Duration `mapstructure:"run_timeout"`
	ClaimPrefix            string        `mapstructure:"claim_prefix"`
}

type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Stream  string `mapstructure:"stream"`
	MaxLen  int64  `mapstructure:"max_len"`
}

type HTTPConfig struct {
	SchedulerAddr string `mapstructure:"scheduler_addr"`
	WorkerAddr    string `mapstructure:"worker_addr"`
	APIAddr       string `mapstructure:"api_addr"`
	GRPCAddr      string `mapstructure:"grpc_addr"`
}

type binding struct {
	key, env string
	def      any
}

// Every setting has one environment variable. The names follow the ones the
// deployment already uses (POSTGRES_*, REDIS_*, LEADER_*, *_HTTP_ADDR).
var bindings = []binding{
	{"node_id", "NODE_ID", ""},
	{"store_driver", "STORE_DRIVER", DriverPostgres},
	{"claim_driver", "CLAIM_DRIVER", DriverRedis},

	{"postgres.host", "POSTGRES_HOST", "localhost"},
	{"postgres.port", "POSTGRES_PORT", "5432"},
	{"postgres.user", "POSTGRES_USER", "jobs"},
	{"postgres.password", "POSTGRES_PASSWORD", "jobs"},
	{"postgres.db", "POSTGRES_DB", "jobs"},
	{"postgres.sslmode", "POSTGRES_SSLMODE", "disable"},

	{"redis.addr", "REDIS_ADDR", "localhost:6379"},
	{"redis.password", "REDIS_PASSWORD", ""},
	{"redis.db", "REDIS_DB", 0},

	{"leader.key", "LEADER_KEY", "scheduler:leader"},
	{"leader.ttl_sec", "LEADER_TTL_SEC", 10},

	{"scheduler.tick", "SCHEDULER_TICK", "1s"},
	{"scheduler.max_cron_delay", "SCHEDULER_MAX_CRON_DELAY", "1h"},
	{"scheduler.pool_size", "SCHEDULER_POOL_SIZE", 8},
	{"scheduler.continue_queue_on_failure", "SCHEDULER_CONTINUE_QUEUE_ON_FAILURE", false},
	{"scheduler.heartbeat", "SCHEDULER_HEARTBEAT", "20s"},
	{"scheduler.housekeeping", "SCHEDULER_HOUSEKEEPING", "30s"},
	{"scheduler.stale_timeout", "SCHEDULER_STALE_TIMEOUT", "5m"},
	{"scheduler.finished_ttl", "SCHEDULER_FINISHED_TTL", "24h"},
	{"scheduler.claim_ttl", "SCHEDULER_CLAIM_TTL", "1m"},
	{"scheduler.run_timeout", "SCHEDULER_RUN_TIMEOUT", "0s"},
	{"scheduler.claim_prefix", "SCHEDULER_CLAIM_PREFIX", "jobsched:running:"},

	{"events.enabled", "EVENTS_ENABLED", true},
	{"events.stream", "EVENTS_STREAM", redisx.DefaultEventStream},
	{"events.max_len", "EVENTS_MAX_LEN", 10000},

	{"http.scheduler_addr", "SCHEDULER_HTTP_ADDR", ":8081"},
	{"http.worker_addr", "WORKER_HTTP_ADDR", ":8082"},
	{"http.api_addr", "API_HTTP_ADDR", ":8080"},
	{"http.grpc_addr", "API_GRPC_ADDR", ":9090"},

	{"log.level", "LOG_LEVEL", "info"},
	{"log.console", "LOG_CONSOLE", false},
}

// Load reads the defaults, then the optional file at path (YAML, TOML or
// JSON by extension), then the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	for _, b := range bindings {
		v.SetDefault(b.key, b.def)
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, errors.Wrapf(err, "bind %s", b.env)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.StoreDriver = strings.ToLower(c.StoreDriver)
	c.ClaimDriver = strings.ToLower(c.ClaimDriver)
	switch c.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		return errors.Newf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	switch c.ClaimDriver {
	case DriverRedis, DriverMemory:
	default:
		return errors.Newf("CLAIM_DRIVER must be %q or %q, got %q", DriverRedis, DriverMemory, c.ClaimDriver)
	}
	if c.Leader.TTLSec <= 0 {
		return errors.New("LEADER_TTL_SEC must be positive")
	}
	if c.Scheduler.Tick < 0 || c.Scheduler.MaxCronDelay < 0 || c.Scheduler.RunTimeout < 0 {
		return errors.New("scheduler durations must not be negative")
	}
	return nil
}

// SchedulerOptions maps the scheduler section onto manager options.
func (c *Config) SchedulerOptions() scheduler.Options {
	s := c.Scheduler
	return scheduler.Options{
		NodeID:                 c.NodeID,
		Tick:                   s.Tick,
		MaxCronDelay:           s.MaxCronDelay,
		PoolSize:               s.PoolSize,
		ContinueQueueOnFailure: s.ContinueQueueOnFailure,
		Heartbeat:              s.Heartbeat,
		Housekeeping:           s.Housekeeping,
		StaleTimeout:           s.StaleTimeout,
		FinishedTTL:            s.FinishedTTL,
		ClaimTTL:               s.ClaimTTL,
		RunTimeout:             s.RunTimeout,
	}
}
