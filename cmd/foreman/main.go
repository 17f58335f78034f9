package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/calder-ross/foreman/internal/config"
	"github.com/calder-ross/foreman/internal/loop"
	"github.com/calder-ross/foreman/internal/pipeline"
	"github.com/calder-ross/foreman/internal/queue"
	"github.com/calder-ross/foreman/internal/retry"
	"github.com/calder-ross/foreman/internal/sandbox"
	"github.com/calder-ross/foreman/internal/state"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Autonomous work-item pipeline runner",
		Long:          "Foreman drives a batch of work items through a draft/plan/implement/review/publish pipeline of external agent commands, one item at a time, in dependency order.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a foreman config file (default: ./foreman.yaml if present)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newPauseCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newEventsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "foreman:", err)
		os.Exit(1)
	}
}

// app wires the config, checkpoint store and run manager for one command
// invocation.
type app struct {
	cfg   *config.Config
	store *state.Store
	mgr   *loop.Manager
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(cfg.Workspace.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open state dir: %w", err)
	}

	backend := &pipeline.CommandBackend{
		Agents:   cfg.Agents,
		RepoRoot: cfg.Workspace.RepoRoot,
		Retry: retry.Policy{
			Retries:             cfg.Retry.Retries,
			BackoffBase:         cfg.Backoff(),
			MaxBackoff:          cfg.MaxBackoff(),
			RateLimitSignatures: cfg.Retry.RateLimitSignatures,
		},
		Sandbox: sandbox.Spec{
			Timeout:        cfg.StageTimeout(),
			HangTimeout:    cfg.HangTimeout(),
			AuthSignatures: cfg.Auth.FailureSignatures,
		},
		BranchPrefix: cfg.Git.BranchPrefix,
		PushRemote:   cfg.Git.PushRemote,
	}
	hygiene := &pipeline.CommitHygiene{
		RepoRoot:   cfg.Workspace.RepoRoot,
		AutoCommit: cfg.Git.AutoCommit,
	}
	return &app{
		cfg:   cfg,
		store: store,
		mgr:   loop.NewManager(store, cfg, backend, hygiene),
	}, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, candidate := range []string{"foreman.yaml", "foreman.yml", "foreman.json"} {
		if _, err := os.Stat(candidate); err == nil {
			return config.Load(candidate)
		}
	}
	return config.Default(), nil
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <batch.json>",
		Short: "Start a new run over a work-item batch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resume, _ := cmd.Flags().GetBool("resume")
			detach, _ := cmd.Flags().GetBool("detach")
			goal, _ := cmd.Flags().GetString("goal")
			maxItems, _ := cmd.Flags().GetInt("max-items")
			filters, _ := cmd.Flags().GetStringArray("filter")

			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			if detach {
				childArgs := append([]string{"run"}, args...)
				if resume {
					childArgs = append(childArgs, "--resume")
				}
				if goal != "" {
					childArgs = append(childArgs, "--goal", goal)
				}
				childArgs = append(childArgs, "--max-items", strconv.Itoa(maxItems))
				for _, f := range filters {
					childArgs = append(childArgs, "--filter", f)
				}
				if cfgPath, _ := cmd.Flags().GetString("config"); cfgPath != "" {
					childArgs = append(childArgs, "--config", cfgPath)
				}
				return launchDetached(cmd, childArgs, a.store)
			}

			if resume {
				if len(args) != 0 {
					return fmt.Errorf("--resume takes no batch file")
				}
				run, err := a.mgr.ResumeRun(context.Background())
				if err != nil {
					return err
				}
				return printOutcome(cmd, run.RunID, string(run.State), run.Error)
			}

			if len(args) != 1 {
				return fmt.Errorf("a batch file is required (or --resume)")
			}
			items, err := queue.LoadBatch(args[0])
			if err != nil {
				return err
			}
			if err := a.store.WritePIDFile(os.Getpid()); err != nil {
				return err
			}
			defer a.store.RemovePIDFile()

			run, err := a.mgr.Run(context.Background(), loop.Options{
				Goal:     goal,
				Items:    items,
				MaxItems: maxItems,
				Filters:  filters,
			})
			if err != nil {
				return err
			}
			return printOutcome(cmd, run.RunID, string(run.State), run.Error)
		},
	}
	cmd.Flags().String("goal", "", "Free-form description recorded on the run")
	cmd.Flags().Int("max-items", 50, "Maximum number of items taken from the batch")
	cmd.Flags().StringArray("filter", nil, "Repo-path glob; repeatable, overrides config filters")
	cmd.Flags().Bool("detach", false, "Run in the background and return immediately")
	cmd.Flags().Bool("resume", false, "Resume the workspace's interrupted run instead of starting a new one")
	return cmd
}

func printOutcome(cmd *cobra.Command, runID, finalState, errMsg string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "run %s finished: %s\n", runID, finalState)
	if errMsg != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", errMsg)
	}
	if finalState != "completed" {
		return fmt.Errorf("run ended %s", finalState)
	}
	return nil
}

// launchDetached re-execs the current binary without --detach, in its own
// process group, and records the child pid.
func launchDetached(cmd *cobra.Command, childArgs []string, store *state.Store) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(childArgs)+1)
	for _, a := range append([]string{self}, childArgs...) {
		parts = append(parts, shellQuote(a))
	}
	logPath := store.Dir() + "/runner.log"
	command := strings.Join(parts, " ") + " >> " + shellQuote(logPath) + " 2>&1"

	pid, err := sandbox.Start(sandbox.Spec{Command: command})
	if err != nil {
		return err
	}
	if err := store.WritePIDFile(pid); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "detached=true\nstate_dir=%s\npid=%d\nlog=%s\n",
		store.Dir(), pid, logPath)
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Request cooperative cancellation of the active run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.mgr.Cancel(optionalArg(args)); err != nil {
				return exitNoRun(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancel requested")
			return nil
		},
	}
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [run-id]",
		Short: "Pause the active run at the next stage boundary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.mgr.Pause(optionalArg(args)); err != nil {
				return exitNoRun(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pause requested")
			return nil
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Lift a pause on the active run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if err := a.mgr.Resume(optionalArg(args)); err != nil {
				return exitNoRun(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "resume requested")
			return nil
		},
	}
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Page through the run's event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			category, _ := cmd.Flags().GetString("category")
			after, _ := cmd.Flags().GetInt("after")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if limit == 0 {
				limit = a.cfg.Events.PageSize
			}
			page, err := a.mgr.Events(category, after, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, ev := range page.Events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "next=%d total=%d\n", page.NextSeq, page.Total)
			return nil
		},
	}
	cmd.Flags().String("category", "run", "Event category (run, stage)")
	cmd.Flags().Int("after", 0, "Number of events already consumed")
	cmd.Flags().Int("limit", 0, "Page size (default: config events.page_size)")
	return cmd
}

func optionalArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return ""
}

func exitNoRun(err error) error {
	if errors.Is(err, loop.ErrNoActiveRun) {
		return fmt.Errorf("no run in this workspace")
	}
	return err
}
