// Package main implements the chatopsctl CLI for operator actions against a
// chatopsd data directory. It works on the same files the daemon does, so
// approvals and replays issued here are picked up by the next resolver step.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/chatopsd/internal/control"
	"github.com/fyrsmithlabs/chatopsd/internal/event"
	"github.com/fyrsmithlabs/chatopsd/internal/logging"
	"github.com/fyrsmithlabs/chatopsd/internal/queue"
)

var (
	// dataDir is the daemon's data directory.
	dataDir string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatopsctl",
	Short: "Operator CLI for a chatopsd data directory",
	Long: `chatopsctl issues operator control actions against a running chatopsd
instance by writing to its data directory: approvals, replays, pause/resume
and executor toggles.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "chatopsd data directory")
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(executorCmd)
	rootCmd.AddCommand(statusCmd)
}

type stores struct {
	queue  *queue.Queue
	events *event.Log
	flags  *control.Flags
}

func openStores() (*stores, error) {
	log := logging.NewNop()
	q, err := queue.New(dataDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open task queue: %w", err)
	}
	events, err := event.NewLog(dataDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	flags, err := control.NewFlags(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open control flags: %w", err)
	}
	return &stores{queue: q, events: events, flags: flags}, nil
}

// approveCmd approves the task awaiting approval.
var approveCmd = &cobra.Command{
	Use:   "approve [task-id]",
	Short: "Approve the dry-run awaiting approval",
	Long: `Approve the queue-head task whose dry-run is awaiting approval.

Examples:
  # Approve whatever is awaiting approval
  chatopsctl approve

  # Approve only if the awaiting task has this id
  chatopsctl approve 42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}

	task, ok, err := s.queue.PeekHead()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("nothing is awaiting approval")
	}
	if len(args) == 1 && args[0] != task.ID {
		return fmt.Errorf("task %s is not at the head of the queue; %s is", args[0], task.ID)
	}

	all, err := s.events.Replay(task.ID)
	if err != nil {
		return err
	}
	life := event.Lifecycle(all)
	if event.HasEvent(life, event.Approved) {
		return fmt.Errorf("task %s is already approved", task.ID)
	}
	if !event.HasEvent(life, event.DryRunReady) || event.Terminal(life) {
		return fmt.Errorf("task %s is not awaiting approval", task.ID)
	}

	if _, err := s.events.Append(task.ID, event.Approved, event.ByOperator,
		map[string]string{"operator": "chatopsctl"}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approved task %s\n", task.ID)
	return nil
}

// replayCmd requeues an archived task from scratch.
var replayCmd = &cobra.Command{
	Use:   "replay <task-id>",
	Short: "Requeue an archived task for a fresh run",
	Long: `Requeue an archived task and mark the start of a fresh lifecycle. Prior
events are kept for audit but no longer gate execution.

Examples:
  chatopsctl replay 42`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	s, err := openStores()
	if err != nil {
		return err
	}

	task, err := s.queue.Archived(args[0])
	if err != nil {
		return err
	}
	if err := s.queue.Requeue(task); err != nil {
		return err
	}
	if _, err := s.events.Append(task.ID, event.Replayed, event.ByOperator,
		map[string]string{"operator": "chatopsctl"}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Replaying task %s from scratch\n", task.ID)
	return nil
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the pipeline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		if err := s.flags.Pause(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Paused")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the pipeline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		if err := s.flags.Resume(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Resumed")
		return nil
	},
}

// executorCmd toggles the executor without stopping intake.
var executorCmd = &cobra.Command{
	Use:   "executor <enable|disable>",
	Short: "Enable or disable the executor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		switch args[0] {
		case "enable":
			if err := s.flags.EnableExecutor(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Executor enabled")
		case "disable":
			if err := s.flags.DisableExecutor(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Executor disabled")
		default:
			return fmt.Errorf("unknown executor action %q, want enable or disable", args[0])
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue length, head task and control flags",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}

		n, err := s.queue.Len()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Queue:    %d task(s)\n", n)
		if task, ok, err := s.queue.PeekHead(); err == nil && ok {
			fmt.Fprintf(out, "Head:     #%s (%s) %q\n", task.ID, task.Intent, task.Text)
		}
		fmt.Fprintf(out, "Paused:   %v\n", s.flags.Paused())
		fmt.Fprintf(out, "Executor: %v\n", !s.flags.ExecutorDisabled())
		return nil
	},
}
