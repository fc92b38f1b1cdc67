package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/jobs/factory"
	"github.com/spf13/cobra"
)

var errFailedStoreDisabled = errors.New("failed job store is disabled (failed.store is none)")

func newFailedCommand(state *rootState) *cobra.Command {
	failedCmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and prune failed jobs",
	}

	failedCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List failed jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withFailedStore(cmd, func(ctx context.Context, store jobs.FailedJobStore) error {
				failed, err := store.List(ctx)
				if err != nil {
					return err
				}
				return writeFailedTable(cmd.OutOrStdout(), failed)
			})
		},
	})

	failedCmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one failed job with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withFailedStore(cmd, func(ctx context.Context, store jobs.FailedJobStore) error {
				failed, err := store.Find(ctx, args[0])
				if err != nil {
					return err
				}
				if failed == nil {
					return fmt.Errorf("%w: failed job %s", jobs.ErrNotFound, args[0])
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID:         %s\n", failed.ID)
				fmt.Fprintf(out, "Connection: %s\n", failed.Connection)
				fmt.Fprintf(out, "Queue:      %s\n", failed.Queue)
				fmt.Fprintf(out, "Failed At:  %s\n", failed.FailedAt.UTC().Format(time.RFC3339))
				fmt.Fprintf(out, "Exception:  %s\n", failed.Exception)
				fmt.Fprintf(out, "Payload:    %s\n", failed.Payload)
				return nil
			})
		},
	})

	failedCmd.AddCommand(&cobra.Command{
		Use:   "forget <id>",
		Short: "Delete one failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withFailedStore(cmd, func(ctx context.Context, store jobs.FailedJobStore) error {
				removed, err := store.Forget(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("%w: failed job %s", jobs.ErrNotFound, args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "failed job %s deleted\n", args[0])
				return nil
			})
		},
	})

	failedCmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Delete every failed job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withFailedStore(cmd, func(ctx context.Context, store jobs.FailedJobStore) error {
				if err := store.Flush(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "all failed jobs deleted")
				return nil
			})
		},
	})

	return failedCmd
}

func (s *rootState) withFailedStore(cmd *cobra.Command, fn func(context.Context, jobs.FailedJobStore) error) error {
	cfg, log, err := s.loadConfigAndLogger(cmd.Flags(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	rt, err := s.newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func(rt *factory.Runtime) {
		if closeErr := rt.Close(); closeErr != nil {
			log.Error("failed to close jobs runtime", "error", closeErr)
		}
	}(rt)
	if rt.FailedJobs == nil {
		return errFailedStoreDisabled
	}
	return fn(ctx, rt.FailedJobs)
}

func writeFailedTable(out io.Writer, failed []*jobs.FailedJob) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONNECTION\tQUEUE\tFAILED AT\tEXCEPTION")
	for _, job := range failed {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.Connection, job.Queue,
			job.FailedAt.UTC().Format(time.RFC3339),
			firstLine(job.Exception, 80),
		)
	}
	return tw.Flush()
}

func firstLine(text string, limit int) string {
	for i, r := range text {
		if r == '\n' {
			text = text[:i]
			break
		}
	}
	if len(text) > limit {
		return text[:limit-3] + "..."
	}
	return text
}
