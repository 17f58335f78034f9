package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/calder-ross/foreman/internal/loop"
	"github.com/calder-ross/foreman/internal/workflow"
)

// followPoll bounds staleness when fsnotify is unavailable or events are
// coalesced away by the platform.
const followPoll = 2 * time.Second

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the persisted state of the workspace run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			follow, _ := cmd.Flags().GetBool("follow")
			asJSON, _ := cmd.Flags().GetBool("json")

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			runID := optionalArg(args)

			rep, err := a.mgr.Status(runID)
			if err != nil {
				return exitNoRun(err)
			}
			if err := renderStatus(cmd.OutOrStdout(), rep, asJSON); err != nil {
				return err
			}
			if !follow || terminalReport(rep) {
				return nil
			}
			return followStatus(cmd.OutOrStdout(), a, runID, asJSON)
		},
	}
	cmd.Flags().Bool("follow", false, "Keep printing updates until the run finishes")
	cmd.Flags().Bool("json", false, "Emit the full report as JSON")
	return cmd
}

func terminalReport(rep loop.StatusReport) bool {
	return rep.RunStatus.Terminal() || rep.RunStatus == workflow.StateStale
}

// followStatus re-renders on every change to the run document. A filesystem
// watcher gives low latency; a ticker catches anything the watcher misses.
func followStatus(w io.Writer, a *app, runID string, asJSON bool) error {
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(a.store.Dir()); err == nil {
			events = make(chan fsnotify.Event, 1)
			go func() {
				for ev := range watcher.Events {
					if filepath.Base(ev.Name) != "loop_state.json" {
						continue
					}
					select {
					case events <- ev:
					default:
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-events:
			// Writers rename a temp file into place; a short settle avoids
			// reading mid-replace on platforms that emit early events.
			time.Sleep(20 * time.Millisecond)
		case <-ticker.C:
		}

		rep, err := a.mgr.Status(runID)
		if err != nil {
			return exitNoRun(err)
		}
		line := summaryLine(rep)
		if line != last {
			last = line
			if asJSON {
				if err := renderStatus(w, rep, true); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(w, line)
			}
		}
		if terminalReport(rep) {
			if !asJSON {
				return renderStatus(w, rep, false)
			}
			return nil
		}
	}
}

func renderStatus(w io.Writer, rep loop.StatusReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Fprintf(w, "run %s: %s\n", rep.RunID, rep.RunStatus)
	if rep.CurrentStage != "" {
		fmt.Fprintf(w, "stage: %s (agent %s)\n", rep.CurrentStage, rep.ActiveAgent)
	}
	if rep.ActiveItem != "" {
		fmt.Fprintf(w, "active item: %s\n", rep.ActiveItem)
	}
	fmt.Fprintf(w, "heartbeat: %s ago\n", (time.Duration(rep.HeartbeatAgeMS) * time.Millisecond).Round(time.Second))
	if rep.Error != "" {
		fmt.Fprintf(w, "error: %s\n", rep.Error)
	}
	fmt.Fprintf(w, "items: %d total, %d completed, %d failed, %d skipped, %d pending\n",
		rep.Counts["total"], rep.Counts["completed"], rep.Counts["failed"],
		rep.Counts["skipped"], rep.Counts["pending"])
	for _, it := range rep.Queue {
		line := fmt.Sprintf("  [%s] %s %s", it.Status, it.Ref, it.Title)
		if it.Branch != "" {
			line += " (" + it.Branch + ")"
		}
		if it.PRURL != "" {
			line += " " + it.PRURL
		}
		if it.Error != "" {
			line += " - " + it.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func summaryLine(rep loop.StatusReport) string {
	s := fmt.Sprintf("%s %s", rep.RunID, rep.RunStatus)
	if rep.ActiveItem != "" {
		s += " item=" + rep.ActiveItem
	}
	if rep.CurrentStage != "" {
		s += " stage=" + rep.CurrentStage
	}
	s += fmt.Sprintf(" completed=%d/%d failed=%d skipped=%d",
		rep.Counts["completed"], rep.Counts["total"],
		rep.Counts["failed"], rep.Counts["skipped"])
	return s
}
