package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/activity"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/config"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/integration"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/logging"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/models"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/orchestrator"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/rollout"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/scheduler"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/store"
	"github.com/ILLUVRSE/Release/release-orchestrator/internal/tasks"
)

type globals struct {
	databaseURL  string
	pipelineFile string
	verbose      bool
}

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "releasectl",
		Short:         "Operator tool for the release orchestrator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&g.databaseURL, "database-url", firstNonEmpty(os.Getenv("RELEASE_DATABASE_URL"), os.Getenv("DATABASE_URL")), "postgres connection string")
	root.PersistentFlags().StringVar(&g.pipelineFile, "pipeline", os.Getenv("RELEASE_PIPELINE_FILE"), "pipeline YAML (defaults to the built-in pipeline)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newTickCommand(g),
		newVerifyCommand(g),
		newPhaseCommand(g),
		newPipelineCommand(g),
	)
	return root
}

func newTickCommand(g *globals) *cobra.Command {
	var (
		workers int
		local   bool
	)
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one orchestration pass over every due release",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()
			if !env.remote && !local {
				return fmt.Errorf("RELEASE_INTEGRATION_URL not set; pass --local to run tasks on the local executor")
			}
			sched, err := scheduler.New(env.orch, scheduler.Config{Schedule: "@every 1m", Workers: workers, Logger: env.logger})
			if err != nil {
				return err
			}
			sum, err := sched.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, sum)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "parallel tick workers")
	cmd.Flags().BoolVar(&local, "local", false, "simulate tasks instead of calling the integration service")
	return cmd
}

func newVerifyCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-activity",
		Short: "Walk the activity hash chain and report the first broken link",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()
			n, err := env.activity.Verify(cmd.Context())
			if err != nil {
				return fmt.Errorf("chain broken after %d entries: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "activity chain intact: %d entries\n", n)
			return nil
		},
	}
}

func newPhaseCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "phase <release-id|release-key>",
		Short: "Print a release's derived phase and stage statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()
			ctx := cmd.Context()
			var view interface{}
			if id, perr := uuid.Parse(args[0]); perr == nil {
				v, err := env.orch.View(ctx, id)
				if err != nil {
					return err
				}
				view = phaseSummary(v.Release.Key, string(v.Phase), v.Release.Status, v.CronJob)
			} else {
				v, err := env.orch.ViewByKey(ctx, args[0])
				if err != nil {
					return err
				}
				view = phaseSummary(v.Release.Key, string(v.Phase), v.Release.Status, v.CronJob)
			}
			return printJSON(cmd, view)
		},
	}
}

func newPipelineCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "pipeline",
		Short: "Validate the pipeline definition and list its tasks per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.pipeline()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printTasks := func(title string, defs []tasks.TaskDef) {
				fmt.Fprintln(out, title)
				for _, def := range defs {
					line := "  " + string(def.Type)
					if def.IsBuild() {
						line += " [build " + string(def.Build) + "]"
					}
					if len(def.Platforms) > 0 {
						line += fmt.Sprintf(" %v", def.Platforms)
					}
					if def.SlotFlag != "" {
						line += " (slot: " + def.SlotFlag + ")"
					}
					fmt.Fprintln(out, line)
				}
			}
			for _, st := range p.Stages {
				printTasks(string(st.Stage), st.Tasks)
			}
			printTasks("REGRESSION (per cycle)", p.RegressionCycle)
			return nil
		},
	}
}

type env struct {
	// remote is set when tasks run through the integration service.
	remote   bool
	db       *sql.DB
	logger   *zap.Logger
	activity *activity.Log
	orch     *orchestrator.Orchestrator
}

func (e *env) close() {
	_ = e.logger.Sync()
	_ = e.db.Close()
}

func (g *globals) pipeline() (tasks.Pipeline, error) {
	if g.pipelineFile == "" {
		return tasks.DefaultPipeline()
	}
	return tasks.LoadPipeline(g.pipelineFile)
}

func (g *globals) open(ctx context.Context) (*env, error) {
	if g.databaseURL == "" {
		return nil, fmt.Errorf("--database-url or RELEASE_DATABASE_URL required")
	}
	level := "warn"
	if g.verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level, Format: "console"})
	if err != nil {
		return nil, err
	}
	pipeline, err := g.pipeline()
	if err != nil {
		return nil, err
	}
	rolloutCfg, err := config.LoadRollout()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", g.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	st := store.NewPGStore(db)
	log := activity.NewLog(activity.NewPGStore(db), logger)
	deps := orchestrator.Deps{
		Store:     st,
		Pipeline:  pipeline,
		Submitter: rollout.NewController(st, log, rollout.DefaultsFrom(rolloutCfg), logger),
		Activity:  log,
		Logger:    logger,
		Holder:    "releasectl",
	}
	if url := os.Getenv("RELEASE_INTEGRATION_URL"); url != "" {
		client, err := integration.NewClient(integration.ClientConfig{
			BaseURL: url,
			Token:   os.Getenv("RELEASE_INTEGRATION_TOKEN"),
			Logger:  logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		deps.Executor = integration.NewExecutor(client)
	}
	return &env{
		remote:   deps.Executor != nil,
		db:       db,
		logger:   logger,
		activity: log,
		orch:     orchestrator.New(deps),
	}, nil
}

func phaseSummary(key, phase string, status models.ReleaseStatus, job models.CronJob) map[string]interface{} {
	return map[string]interface{}{
		"key":        key,
		"phase":      phase,
		"status":     status,
		"cronStatus": job.CronStatus,
		"pauseType":  job.PauseType,
		"stages": map[models.Stage]models.StageStatus{
			models.StageKickoff:        job.Stage1Status,
			models.StageRegression:     job.Stage2Status,
			models.StagePostRegression: job.Stage3Status,
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
