package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/rishansujesh/jobsched/internal/api/server"
	"github.com/rishansujesh/jobsched/internal/config"
	"github.com/rishansujesh/jobsched/internal/jobs"
	"github.com/rishansujesh/jobsched/internal/logging"
	redisx "github.com/rishansujesh/jobsched/internal/redis"
)

type cli struct {
	configPath string
	addr       string
	timeout    time.Duration
	out        io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "admin",
		Short:         "Operate the job scheduler over its gRPC API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "optional config file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&c.addr, "addr", "", "API gRPC address (default API_GRPC_ADDR)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 10*time.Second, "per request deadline")

	root.AddCommand(
		c.queueCmd(),
		c.jobCmd(),
		c.cancelCmd(),
		c.runNowCmd(),
		c.runningCmd(),
		c.progressCmd(),
		c.errorsCmd(),
		c.typesCmd(),
		c.eventsCmd(),
	)
	return root
}

func (c *cli) config() (*config.Config, error) {
	return config.Load(c.configPath)
}

func (c *cli) call(cmd *cobra.Command, method string, req map[string]any) error {
	addr := c.addr
	if addr == "" {
		cfg, err := c.config()
		if err != nil {
			return err
		}
		addr = cfg.HTTP.GRPCAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	conn, err := server.Dial(addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()
	res, err := server.NewClient(conn).Call(ctx, method, req)
	if err != nil {
		return err
	}
	return c.print(res)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func anyList(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

/* -------------------- queues -------------------- */

func (c *cli) queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Manage job queues"}

	q.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queues with their cron expression and sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, "ListQueues", nil)
		},
	})
	q.AddCommand(&cobra.Command{
		Use:   "get NAME",
		Short: "Show a queue and its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "GetQueue", map[string]any{"name": args[0]})
		},
	})

	var cronExpr string
	var members []string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a queue from at least two job ids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "CreateQueue", map[string]any{
				"name": args[0], "cronExpression": cronExpr, "sequence": anyList(members),
			})
		},
	}
	create.Flags().StringVar(&cronExpr, "cron", "", "cron expression of the queue head")
	create.Flags().StringSliceVar(&members, "jobs", nil, "job ids in run order")
	_ = create.MarkFlagRequired("cron")
	_ = create.MarkFlagRequired("jobs")
	q.AddCommand(create)

	var newName, updCron string
	var updMembers []string
	update := &cobra.Command{
		Use:   "update NAME",
		Short: "Rename a queue or replace its cron expression and sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "UpdateQueue", map[string]any{
				"name": args[0], "newName": newName, "cronExpression": updCron, "sequence": anyList(updMembers),
			})
		},
	}
	update.Flags().StringVar(&newName, "new-name", "", "new queue name")
	update.Flags().StringVar(&updCron, "cron", "", "cron expression of the queue head")
	update.Flags().StringSliceVar(&updMembers, "jobs", nil, "job ids in run order")
	_ = update.MarkFlagRequired("cron")
	_ = update.MarkFlagRequired("jobs")
	q.AddCommand(update)

	q.AddCommand(&cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a queue; its members are detached and disabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "DeleteQueue", map[string]any{"name": args[0]})
		},
	})
	return q
}

/* -------------------- jobs -------------------- */

func (c *cli) jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Manage job configurations"}

	var enabledOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List job configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := map[string]any{}
			if enabledOnly {
				req["enabled"] = true
			}
			return c.call(cmd, "ListJobs", req)
		},
	}
	list.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled jobs")
	j.AddCommand(list)

	j.AddCommand(&cobra.Command{
		Use:   "get ID",
		Short: "Show a job configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "GetJob", map[string]any{"id": args[0]})
		},
	})

	var file string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a job configuration from a JSON file (- for stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readJSON(cmd, file)
			if err != nil {
				return err
			}
			return c.call(cmd, "CreateJob", req)
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "-", "JSON file")
	j.AddCommand(create)

	j.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "Delete a job configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "DeleteJob", map[string]any{"id": args[0]})
		},
	})
	return j
}

func readJSON(cmd *cobra.Command, file string) (map[string]any, error) {
	var r io.Reader = cmd.InOrStdin()
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var m map[string]any
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	return m, nil
}

/* -------------------- scheduling -------------------- */

func (c *cli) cancelCmd() *cobra.Command {
	var jobType string
	cmd := &cobra.Command{
		Use:   "cancel [ID]",
		Short: "Request cancellation of a job, or of the running job of --type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case jobType != "" && len(args) == 0:
				return c.call(cmd, "RequestCancelType", map[string]any{"type": jobType})
			case jobType == "" && len(args) == 1:
				return c.call(cmd, "RequestCancel", map[string]any{"id": args[0]})
			}
			return errors.New("give either a job id or --type")
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type")
	return cmd
}

func (c *cli) runNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-now ID",
		Short: "Run a job as soon as possible, then return it to its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, "ExecuteNow", map[string]any{"id": args[0]})
		},
	}
}

func (c *cli) runningCmd() *cobra.Command {
	var completed, claims bool
	cmd := &cobra.Command{
		Use:   "running",
		Short: "List job types that are running (or have completed with --completed)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case claims:
				return c.withRedis(cmd, func(ctx context.Context, cfg *config.Config, rdb *redis.Client) error {
					held, err := redisx.NewClaims(rdb, cfg.Scheduler.ClaimPrefix).Held(ctx)
					if err != nil {
						return err
					}
					if held == nil {
						held = []jobs.JobKey{}
					}
					return c.print(map[string]any{"claims": held})
				})
			case completed:
				return c.call(cmd, "GetCompletedTypes", nil)
			}
			return c.call(cmd, "GetRunningTypes", nil)
		},
	}
	cmd.Flags().BoolVar(&completed, "completed", false, "list completed types instead")
	cmd.Flags().BoolVar(&claims, "claims", false, "list the running markers held in Redis by every node")
	return cmd
}

func (c *cli) progressCmd() *cobra.Command {
	var jobType string
	var completed bool
	cmd := &cobra.Command{
		Use:   "progress [ID]",
		Short: "Show the progress of a job, or of the running or last completed job of --type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case jobType != "" && len(args) == 0 && completed:
				return c.call(cmd, "GetCompletedProgress", map[string]any{"type": jobType})
			case jobType != "" && len(args) == 0:
				return c.call(cmd, "GetRunningProgress", map[string]any{"type": jobType})
			case jobType == "" && len(args) == 1:
				return c.call(cmd, "GetProgress", map[string]any{"id": args[0]})
			}
			return errors.New("give either a job id or --type")
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type")
	cmd.Flags().BoolVar(&completed, "completed", false, "with --type, the last completed run")
	return cmd
}

func (c *cli) errorsCmd() *cobra.Command {
	var user, from, to string
	var codes, types []string
	cmd := &cobra.Command{
		Use:   "errors [ID]",
		Short: "Show the errors of the last run of a job, or search them across jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			search := user != "" || from != "" || to != "" || len(codes) > 0 || len(types) > 0
			if len(args) == 1 && !search {
				return c.call(cmd, "GetErrors", map[string]any{"id": args[0]})
			}
			req := map[string]any{
				"user":  user,
				"from":  from,
				"to":    to,
				"codes": anyList(codes),
				"types": anyList(types),
			}
			if len(args) == 1 {
				req["id"] = args[0]
			}
			return c.call(cmd, "FindRunErrors", req)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "node that executed the run")
	cmd.Flags().StringVar(&from, "from", "", "runs started at or after (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "runs started at or before (RFC 3339)")
	cmd.Flags().StringSliceVar(&codes, "code", nil, "error codes, any of")
	cmd.Flags().StringSliceVar(&types, "type", nil, "job types, any of")
	return cmd
}

func (c *cli) typesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "Describe the registered job types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, "ListJobTypes", nil)
		},
	}
}

/* -------------------- events -------------------- */

func (c *cli) eventsCmd() *cobra.Command {
	var count int64
	var follow bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print recent lifecycle and progress events from the Redis stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRedis(cmd, func(ctx context.Context, cfg *config.Config, rdb *redis.Client) error {
				return c.events(ctx, cfg, rdb, count, follow)
			})
		},
	}
	cmd.Flags().Int64VarP(&count, "count", "n", 20, "number of recent events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	return cmd
}

func (c *cli) events(ctx context.Context, cfg *config.Config, rdb *redis.Client, count int64, follow bool) error {
	if follow {
		err := redisx.FollowEvents(ctx, rdb, cfg.Events.Stream, func(ev redisx.StreamEvent) error {
			return json.NewEncoder(c.out).Encode(ev)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	evs, err := redisx.RecentEvents(ctx, rdb, cfg.Events.Stream, count)
	if err != nil {
		return err
	}
	// oldest first
	for i := len(evs) - 1; i >= 0; i-- {
		if err := json.NewEncoder(c.out).Encode(evs[i]); err != nil {
			return err
		}
	}
	return nil
}

// withRedis connects to the Redis of the loaded config for the duration of fn.
func (c *cli) withRedis(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, rdb *redis.Client) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Level: "warn", Console: true}, "admin")
	ctx := cmd.Context()
	rdb, err := redisx.NewClientWithBackoff(ctx, cfg.Redis.Client(), log)
	if err != nil {
		return err
	}
	defer rdb.Close()
	return fn(ctx, cfg, rdb)
}
