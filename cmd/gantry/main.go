package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gantry/internal/app"
	"gantry/internal/config"
	"gantry/internal/db"
	"gantry/internal/domain"
	"gantry/internal/engine"
	"gantry/internal/lease"
	"gantry/internal/migrate"
	"gantry/internal/orchestrator"
	"gantry/internal/repo"
	"gantry/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Gantry CLI",
	Long: `Gantry resolves pipeline dependencies and hands ready tasks to workers.
Core concepts:
- Workspace: the .gantry folder holding the SQLite database; pipeline configs live in the DB and are imported explicitly.
- Project: one pipeline instance that owns all tasks, gates, artifacts, and reviews.
- Pipeline: stages wired by typed edges (sequential, parallel, conditional); tasks are stage instances.
- Ready set: tasks whose dependencies and gates are all satisfied, ordered by priority ('gantry ready').
- Gates: per-stage quality bars (review_points, artifact_exists, quality_threshold, capability_check) that park downstream stages.
- Leases: expiring execution claims so two workers never run the same task ('gantry task reserve/release').
- Artifacts: task outputs with optional quality scores; minimum_score edges check them.
- Reviews: scored judgements counting toward review_points gates once positive and signed off (human 1.0, automated 0.5).
- Event log: diary of every change, view with 'gantry log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GANTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides the single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(blockedCmd())
	rootCmd.AddCommand(gatesCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(leaseCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id, desc, file string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project and instantiate its pipeline",
		Long:  "Creates the project, stores its pipeline config in the DB, seeds gate rows, and spawns one task per eager stage. Use --file to import a pipeline YAML; otherwise the built-in default pipeline is used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = viper.GetString("project")
			}
			var cfg *config.Config
			if file != "" {
				loaded, err := config.FromFile(file)
				if err != nil {
					return err
				}
				cfg = loaded
				if id == "" {
					id = cfg.Project.ID
				}
			}
			if id == "" {
				return fmt.Errorf("--id required (or --file with project.id set)")
			}
			if cfg == nil {
				cfg = config.Default(id)
			}
			cfg.Project.ID = id
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"), cfg)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&file, "file", "", "pipeline YAML to import")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectArchiveCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Pipeline", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Pipeline, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a project",
		Long:  "Marks the project archived. Archived projects refuse resolution and mutation but stay readable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ArchiveProject(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "GANTRY_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set GANTRY_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func pipelineCmd() *cobra.Command {
	pl := &cobra.Command{
		Use:   "pipeline",
		Short: "Inspect pipeline config",
		Long:  "The pipeline config is the rulebook (stored in the DB): stages, dependency edges, gates, lease TTLs, breaker and rate limits. Import from gantry.yml if desired.",
	}
	pl.AddCommand(pipelineShowCmd())
	pl.AddCommand(pipelineImportCmd())
	pl.AddCommand(pipelineValidateCmd())
	pl.AddCommand(pipelineDefaultCmd())
	return pl
}

func pipelineShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the pipeline config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func pipelineImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import pipeline config from YAML into the DB",
		Long:  "Replaces the stored config for the project. Existing tasks keep their edges; new gates take effect on the next recompute.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, now, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func pipelineValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate pipeline config",
		Long:  "Validates --file if given, otherwise the config stored for the project. Checks stage names, edge targets, gate types, thresholds, and that the stage graph is acyclic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filePath != "" {
				_, err = config.FromFile(filePath)
			} else {
				err = withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					return e.Config.Validate()
				})
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("pipeline OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to the stored config)")
	return cmd
}

func pipelineDefaultCmd() *cobra.Command {
	var id, out string
	cmd := &cobra.Command{
		Use:   "default",
		Short: "Print the default pipeline YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			yml := config.GenerateDefault(id)
			if out == "" {
				fmt.Print(yml)
				return nil
			}
			if err := os.WriteFile(out, []byte(yml), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote default pipeline to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "my-project", "project id to embed")
	cmd.Flags().StringVar(&out, "out", "", "write to file instead of stdout")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The scoreboard for your project: task counts by status, gate progress, live leases, and the store breaker state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Status(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Project: %s (%s)\n", s.Project.ID, s.Project.Status)
				fmt.Printf("Breaker: %s\n", s.Breaker)
				fmt.Println("Tasks:")
				for status, c := range s.Counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Gates:")
				for _, g := range s.Gates {
					fmt.Printf("  %s/%s: %.2f of %.2f satisfied=%t\n", g.Stage, g.Type, g.CurrentValue, g.Threshold, g.Satisfied)
				}
				if len(s.Leases) > 0 {
					fmt.Println("Leases:")
					for _, l := range s.Leases {
						fmt.Printf("  %s held by %s until %s\n", l.TaskID, l.WorkerID, l.ExpiresAt)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are stage instances. They flow pending -> ready -> in_progress -> completed (failed/blocked are detours), unlock dependents as they complete, and are reserved under expiring leases so two workers never collide.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskReserveCmd())
	task.AddCommand(taskRenewCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskFailCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var dependsOn []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Long:  "Adds another instance of a pipeline stage. The instance inherits the stage's dependency edges; --depends-on adds explicit task-level edges on top.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.DependsOn = dependsOn
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, deterministic if omitted)")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "pipeline stage")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "dependency task id (repeatable)")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Title", "Status", "Worker", "Attempts"})
				for _, t := range tasks {
					worker := ""
					if t.WorkerID != nil {
						worker = *t.WorkerID
					}
					tw.AppendRow(table.Row{t.ID, t.Stage, t.Title, t.Status, worker, fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskReserveCmd() *cobra.Command {
	var worker string
	var ttlSeconds int
	cmd := &cobra.Command{
		Use:   "reserve <id>",
		Short: "Reserve a ready task under a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, l, err := e.ReserveTask(ctx, id, workerID(worker), time.Duration(ttlSeconds)*time.Second)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "lease": l})
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id (defaults to --actor-id)")
	cmd.Flags().IntVar(&ttlSeconds, "ttl-seconds", 0, "lease duration seconds (0 uses the pipeline default)")
	return cmd
}

func taskRenewCmd() *cobra.Command {
	var worker string
	var ttlSeconds int
	cmd := &cobra.Command{
		Use:   "renew <id>",
		Short: "Renew a held lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.RenewLease(ctx, id, workerID(worker), time.Duration(ttlSeconds)*time.Second)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id (defaults to --actor-id)")
	cmd.Flags().IntVar(&ttlSeconds, "ttl-seconds", 0, "lease duration seconds (0 uses the pipeline default)")
	return cmd
}

func taskReleaseCmd() *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release a reserved task back to ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ReleaseTask(ctx, id, workerID(worker))
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id (defaults to --actor-id)")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Report a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTaskStatus(ctx, id, domain.TaskCompleted, workerID(worker))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id (defaults to --actor-id)")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Report a task failed",
		Long:  "Failure consumes an attempt. Under max_attempts the task requeues as ready; at the limit it stays failed and its required dependents park as blocked.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTaskStatus(ctx, id, domain.TaskFailed, workerID(worker))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id (defaults to --actor-id)")
	return cmd
}

func readyCmd() *cobra.Command {
	var caller string
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List tasks ready for execution",
		Long:  "Resolves the dependency graph and returns tasks whose dependencies and stage gates are all satisfied, highest priority first. Results are cached briefly; rate limits apply per caller.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if caller == "" {
					caller = viper.GetString("actor-id")
				}
				tasks, err := e.GetReadyTasks(ctx, e.Config.Project.ID, caller)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Title", "Priority"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Stage, t.Title, t.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caller, "caller-id", "", "caller id for rate limiting (defaults to --actor-id)")
	return cmd
}

func blockedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocked",
		Short: "Explain why tasks are not ready",
		Long:  "Lists every task outside the ready set with human-readable reasons: unfinished dependencies, quality below edge minimums, unsatisfied gates, exhausted attempts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Diagnostics(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, b := range items {
					fmt.Printf("%s [%s, %s]\n", b.TaskID, b.Stage, b.Status)
					for _, reason := range b.Reasons {
						fmt.Printf("  - %s\n", reason)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func gatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Show gate progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gates, err := e.Repo.ProjectGates(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gates)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Type", "Current", "Threshold", "Satisfied"})
				for _, g := range gates {
					tw.AppendRow(table.Row{g.Stage, g.Type, fmt.Sprintf("%.2f", g.CurrentValue), fmt.Sprintf("%.2f", g.Threshold), g.Satisfied})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{
		Use:   "artifact",
		Short: "Manage artifacts",
		Long:  "Artifacts are task outputs (documents, builds, reports) with optional quality scores in [0,1]. Scores feed minimum_score edges and quality_threshold gates; invalidation withdraws a score and can re-block dependents.",
	}
	art.AddCommand(artifactAddCmd())
	art.AddCommand(artifactListCmd())
	art.AddCommand(artifactInvalidateCmd())
	return art
}

func artifactAddCmd() *cobra.Command {
	var opts engine.ArtifactOptions
	var quality float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an artifact against a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("quality") {
				opts.Quality = &quality
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RecordArtifact(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "artifact id (optional)")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "artifact kind (e.g. document, build, report)")
	cmd.Flags().StringVar(&opts.URI, "uri", "", "where the artifact lives")
	cmd.Flags().Float64Var(&quality, "quality", 0, "quality score in [0,1]")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func artifactListCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, taskID)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListArtifactsByTask(ctx, t.ProjectID, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func artifactInvalidateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "invalidate <id>",
		Short: "Invalidate an artifact",
		Long:  "Withdraws the artifact from quality calculations and recomputes affected gates. Tasks already running keep running; already-completed work is not rolled back.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.InvalidateArtifact(ctx, id, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the artifact no longer counts")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func reviewCmd() *cobra.Command {
	rev := &cobra.Command{
		Use:   "review",
		Short: "Manage reviews",
		Long:  "Reviews are scored judgements on a task's output. A positive, signed-off review contributes points to its stage's review_points gate: 1.0 from a human, 0.5 from an automated reviewer.",
	}
	rev.AddCommand(reviewAddCmd())
	rev.AddCommand(reviewListCmd())
	rev.AddCommand(reviewSignoffCmd())
	return rev
}

func reviewAddCmd() *cobra.Command {
	var opts engine.ReviewOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a review",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if opts.ReviewerID == "" {
				opts.ReviewerID = opts.ActorID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.AddReview(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "review id (optional)")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&opts.ReviewerID, "reviewer", "", "reviewer id (defaults to --actor-id)")
	cmd.Flags().StringVar(&opts.ReviewerType, "reviewer-type", domain.ReviewerHuman, "human or automated")
	cmd.Flags().Float64Var(&opts.Score, "score", 0, "score in [0,1]")
	cmd.Flags().BoolVar(&opts.Positive, "positive", false, "approve the work")
	cmd.Flags().BoolVar(&opts.SignedOff, "sign-off", false, "sign off in the same step")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func reviewListCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reviews for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, taskID)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListReviewsByTask(ctx, t.ProjectID, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func reviewSignoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signoff <id>",
		Short: "Sign off a review",
		Long:  "Counts the review toward its stage's review_points gate. Signing off twice is a no-op.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.SignOffReview(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func leaseCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "lease",
		Short: "Inspect and sweep leases",
		Long:  "Leases are expiring execution claims. Sweep reclaims tasks whose lease lapsed without a completion report; workers that crash lose their claim after the TTL.",
	}
	l.AddCommand(leaseListCmd())
	l.AddCommand(leaseSweepCmd())
	return l
}

func leaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live execution leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Leases.ListExecutions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Worker", "Acquired", "Expires"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.TaskID, l.WorkerID, l.AcquiredAt, l.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func leaseSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim expired leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepExpiredLeases(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"swept": n})
				}
				fmt.Printf("Reclaimed %d expired lease(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var execLine, caller string
	var workers, pollSeconds, ttlSeconds, timeoutSeconds int
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator loop",
		Long: `Polls the ready set and executes tasks by running --exec once per task.
The command receives GANTRY_TASK_ID, GANTRY_PROJECT_ID, GANTRY_STAGE, GANTRY_TASK_TITLE,
and GANTRY_ATTEMPT in its environment; exit 0 reports the task completed, anything else failed.
The loop stops once nothing is ready and nothing is in flight.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if execLine == "" {
				return fmt.Errorf("--exec required")
			}
			parts := strings.Fields(execLine)
			worker := orchestrator.ExecWorker{
				Command: parts[0],
				Args:    parts[1:],
				Timeout: time.Duration(timeoutSeconds) * time.Second,
				Stdout:  os.Stdout,
				Stderr:  os.Stderr,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if caller == "" {
					caller = viper.GetString("actor-id")
				}
				o := orchestrator.New(e, worker, orchestrator.Options{
					ProjectID:    e.Config.Project.ID,
					CallerID:     caller,
					MaxParallel:  workers,
					PollInterval: time.Duration(pollSeconds) * time.Second,
					LeaseTTL:     time.Duration(ttlSeconds) * time.Second,
				})
				o.Logger = log.New(os.Stderr, "", log.LstdFlags)
				var report orchestrator.CycleReport
				var err error
				if once {
					report, err = o.RunCycle(ctx)
				} else {
					report, err = o.Run(ctx)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringVar(&execLine, "exec", "", "command run for each task")
	cmd.Flags().StringVar(&caller, "caller-id", "", "worker identity (defaults to --actor-id)")
	cmd.Flags().IntVar(&workers, "workers", 2, "max tasks in flight")
	cmd.Flags().IntVar(&pollSeconds, "poll-seconds", 2, "seconds between polls while work is in flight")
	cmd.Flags().IntVar(&ttlSeconds, "ttl-seconds", 0, "lease duration seconds (0 uses the pipeline default)")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout-seconds", 0, "per-task execution timeout (0 for none)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task transitions, gate changes, leases, breaker trips, and more.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			var cfg *config.Config
			if projectID := viper.GetString("project"); projectID != "" {
				r := repo.Repo{DB: conn}
				if _, resolved, err := app.ResolveProjectAndConfig(cmd.Context(), projectID, r); err == nil {
					cfg = resolved
				}
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GANTRY_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GANTRY_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			sweeper := &lease.Sweeper{
				Schedule: e.Config.Leases.SweepSchedule,
				Run:      e.SweepExpiredLeases,
				Logger:   log.New(os.Stderr, "", log.LstdFlags),
			}
			if err := sweeper.Start(); err != nil {
				return fmt.Errorf("start lease sweeper: %w", err)
			}
			defer sweeper.Stop()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gantry API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func workerID(flag string) string {
	if flag != "" {
		return flag
	}
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
