package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"broker-dispatch/internal/auth"
	"broker-dispatch/internal/config"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/migration"
	"broker-dispatch/internal/models"
	"broker-dispatch/internal/queue"
	"broker-dispatch/internal/sla"
	"broker-dispatch/internal/timing"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dispatchctl",
	Short: "Operate the broker conversation queue",
	Long: `dispatchctl inspects and controls the broker conversation queue,
reads SLA reports from the timing store and shows the queue rollout state.

Connection settings come from the same environment variables as the
api and worker binaries.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		logging.Init(logging.FromEnv("warn", cfg.LogFormat))
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dispatchctl %s (%s)\n", Version, Commit))

	queueDrainCmd.Flags().Bool("yes", false, "Confirm dropping every waiting and delayed job")
	queueDLQCmd.Flags().Int64("limit", 20, "Number of entries to show")
	queueCmd.AddCommand(queueStatsCmd, queuePauseCmd, queueResumeCmd, queueDrainCmd, queueDLQCmd, queueJobCmd, queueCancelCmd)

	slaReportCmd.Flags().Int64("conversation", 0, "Restrict the report to one conversation")
	slaCmd.AddCommand(slaReportCmd, slaCheckCmd)

	migrationCmd.AddCommand(migrationStatusCmd, migrationDecideCmd)

	tokenCmd.Flags().String("subject", "ops", "Token subject")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")

	rootCmd.AddCommand(queueCmd, slaCmd, migrationCmd, tokenCmd)
}

type env struct {
	cfg    config.Config
	client *redis.Client
	timing *redis.Client
	queue  *queue.RedisQueue
}

func connect(ctx context.Context) (*env, error) {
	cfg := config.Load()
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	e := &env{
		cfg:    cfg,
		client: client,
		timing: client,
		queue:  queue.New(client, queue.OptionsFromConfig(cfg)),
	}
	if cfg.TimingRedisDB != cfg.RedisDB {
		e.timing = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.TimingRedisDB})
	}
	return e, nil
}

func (e *env) close() {
	if e.timing != e.client {
		_ = e.timing.Close()
	}
	_ = e.client.Close()
}

func (e *env) monitor() *sla.Monitor {
	return sla.New(timing.NewStore(e.timing, e.cfg.TimingRetention), e.queue, sla.Options{
		Threshold:        e.cfg.SLAThreshold,
		TargetCompliance: e.cfg.SLATargetCompliance,
		Window:           e.cfg.SLASampleWindow,
		Limit:            e.cfg.SLASampleLimit,
	})
}

// withEnv runs fn against a live connection.
func withEnv(fn func(ctx context.Context, e *env, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		e, err := connect(ctx)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(ctx, e, cmd, args)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Queue commands
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the conversation queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue occupancy and health score",
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
		m, err := e.queue.Metrics(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"queue": e.cfg.QueueName, "metrics": m, "healthScore": m.HealthScore()})
	}),
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop workers from taking new jobs",
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
		if err := e.queue.Pause(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queue %s paused\n", e.cfg.QueueName)
		return nil
	}),
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Let workers take jobs again",
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
		if err := e.queue.Resume(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queue %s resumed\n", e.cfg.QueueName)
		return nil
	}),
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain --yes",
	Short: "Drop every waiting and delayed job",
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to drain %s without --yes", e.cfg.QueueName)
		}
		n, err := e.queue.Drain(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs from %s\n", n, e.cfg.QueueName)
		return nil
	}),
}

var queueDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered jobs",
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt64("limit")
		ids, err := e.queue.DLQPeek(ctx, limit)
		if err != nil {
			return err
		}
		out := make([]any, 0, len(ids))
		for _, id := range ids {
			st, err := e.queue.Get(ctx, id)
			if err != nil {
				out = append(out, map[string]string{"id": id, "error": err.Error()})
				continue
			}
			out = append(out, map[string]any{
				"id":           id,
				"conversation": st.Job.ConversationID,
				"type":         st.Job.Type,
				"attempts":     st.Attempts,
				"lastError":    st.LastError,
			})
		}
		return printJSON(cmd, out)
	}),
}

var queueJobCmd = &cobra.Command{
	Use:   "job ID",
	Short: "Show one job and its lifecycle state",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, args []string) error {
		st, err := e.queue.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	}),
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Withdraw a job that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, args []string) error {
		if err := e.queue.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled\n", args[0])
		return nil
	}),
}

// SLA commands
var slaCmd = &cobra.Command{
	Use:   "sla",
	Short: "Read delivery latency against the SLA",
}

var slaReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the SLA report for the sample window",
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
		conv, _ := cmd.Flags().GetInt64("conversation")
		rep, err := e.monitor().Report(ctx, conv)
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	}),
}

var slaCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate SLA and queue alerts; exits non-zero on a critical alert",
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
		alerts, err := e.monitor().CheckSLACompliance(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(cmd, alerts); err != nil {
			return err
		}
		for _, a := range alerts {
			if a.Severity == models.SeverityCritical {
				return fmt.Errorf("%d alerts, at least one critical", len(alerts))
			}
		}
		return nil
	}),
}

// Migration commands
var migrationCmd = &cobra.Command{
	Use:   "migration",
	Short: "Show the queue rollout state",
}

var migrationStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rollout phase, queue health and recommendations",
	RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
		c := migration.New(migration.OptionsFromConfig(e.cfg))
		var qm *queue.Metrics
		if m, err := e.queue.Metrics(ctx); err == nil {
			qm = &m
		}
		return printJSON(cmd, c.Status(qm))
	}),
}

var migrationDecideCmd = &cobra.Command{
	Use:   "decide CONVERSATION_ID LEAD_SCORE",
	Short: "Show which pipeline a conversation would be routed to",
	Long: `Show which pipeline a conversation would be routed to under the
current rollout settings. Only deterministic under ROLLOUT_MODE=hash.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("conversation id: %w", err)
		}
		score, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("lead score: %w", err)
		}
		c := migration.New(migration.OptionsFromConfig(config.Load()))
		return printJSON(cmd, c.Decide(conv, score))
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin bearer token from ADMIN_JWT_SECRET",
	RunE: func(cmd *cobra.Command, _ []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		tok, err := auth.NewJWT(config.Load().AdminJWTSecret).Sign(subject, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
