// Package app wires the shared dependencies of the service processes from
// configuration.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rishansujesh/jobsched/internal/config"
	"github.com/rishansujesh/jobsched/internal/jobs"
	redisx "github.com/rishansujesh/jobsched/internal/redis"
	"github.com/rishansujesh/jobsched/internal/scheduler"
	"github.com/rishansujesh/jobsched/internal/worker/handlers"
)

type Deps struct {
	Config   *config.Config
	Log      zerolog.Logger
	DB       *sql.DB       // nil with the memory store
	Redis    *redis.Client // nil with in-process claims
	Store    jobs.Store
	Registry *jobs.Registry
	Events   *redisx.EventPublisher // nil without Redis or with events disabled
}

// Open connects to Postgres and Redis as the drivers in cfg require.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Deps, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}
	d := &Deps{Config: cfg, Log: log.With().Str("node", cfg.NodeID).Logger(), Registry: jobs.NewRegistry()}
	log = d.Log

	switch cfg.StoreDriver {
	case config.DriverMemory:
		d.Store = jobs.NewMemStore()
		log.Warn().Msg("using in-memory store; configurations are lost on exit")
	default:
		db, err := sql.Open("pgx", cfg.Postgres.DSN())
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "ping postgres")
		}
		d.DB = db
		d.Store = jobs.NewSQLStore(db, d.Registry)
	}

	if cfg.ClaimDriver == config.DriverRedis {
		rdb, err := redisx.NewClientWithBackoff(ctx, cfg.Redis.Client(), log)
		if err != nil {
			d.Close()
			return nil, errors.Wrap(err, "redis connect")
		}
		d.Redis = rdb
		if cfg.Events.Enabled {
			d.Events = redisx.NewEventPublisher(rdb, cfg.Events.Stream, cfg.Events.MaxLen, log)
		}
	}
	return d, nil
}

func defaultNodeID() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "node"
	}
	return h + "-" + uuid.NewString()[:8]
}

func (d *Deps) Close() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// Manager builds a scheduling manager running the built-in job types.
func (d *Deps) Manager(leader scheduler.Leadership) *scheduler.Manager {
	opts := []scheduler.Option{
		scheduler.WithLeadership(leader),
		scheduler.WithLogger(d.Log),
	}
	if d.Redis != nil {
		opts = append(opts, scheduler.WithClaimer(redisx.NewClaims(d.Redis, d.Config.Scheduler.ClaimPrefix)))
	}
	if d.Events != nil {
		opts = append(opts, scheduler.WithObserver(d.Events))
	}
	return scheduler.NewManager(d.Store, handlers.NewExecutor(d.Registry), d.Config.SchedulerOptions(), opts...)
}

// Elector returns the Redis lease elector, or AlwaysLeader when the node runs
// without Redis.
func (d *Deps) Elector(instance string) (scheduler.Leadership, func(context.Context) error) {
	if d.Redis == nil {
		return scheduler.AlwaysLeader, func(ctx context.Context) error { <-ctx.Done(); return nil }
	}
	e := redisx.NewLeaderElector(d.Redis, d.Config.Leader.Key, d.Config.Leader.TTL(), instance, d.Log)
	return e, e.Run
}

// StatusHandler serves the health, role and running endpoints of a node.
func StatusHandler(service string, mgr *scheduler.Manager, leader scheduler.Leadership) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "service": service, "node": mgr.NodeID()})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/role", func(w http.ResponseWriter, r *http.Request) {
		role := "follower"
		if leader.IsLeader() {
			role = "leader"
		}
		writeJSON(w, role)
	})
	mux.HandleFunc("/running", func(w http.ResponseWriter, r *http.Request) {
		keys := mgr.RunningKeys()
		if keys == nil {
			keys = []jobs.JobKey{}
		}
		writeJSON(w, keys)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ServeHTTP serves h on addr until ctx ends.
func ServeHTTP(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
