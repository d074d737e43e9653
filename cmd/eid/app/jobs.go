// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/entativa/eid/pkg/storage"
	eidsync "github.com/entativa/eid/pkg/sync"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect replication jobs",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsGetCmd())
	cmd.AddCommand(newJobsBatchCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent replication jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			eng := eidsync.NewEngine(st, nil, nil, cfg.Sync)
			jobs, err := eng.Jobs(cmd.Context(), storage.JobStatus(status), limit)
			if err != nil {
				return err
			}
			return renderJobsTable(jobs)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list jobs with this status (pending, processing, completed, failed, ...)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to list")
	return cmd
}

func newJobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one replication job and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			eng := eidsync.NewEngine(st, nil, nil, cfg.Sync)
			job, err := eng.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			events, err := eng.Events(cmd.Context(), job.ID)
			if err != nil {
				return err
			}

			printJob(job)
			return renderEventsTable(events)
		},
	}
}

func newJobsBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <batch-id>",
		Short: "Summarise the jobs of one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			eng := eidsync.NewEngine(st, nil, nil, cfg.Sync)
			status, err := eng.BatchStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Batch:     %s\n", status.BatchID)
			fmt.Printf("Total:     %d\n", status.Total)
			fmt.Printf("Completed: %d\n", status.Completed)
			fmt.Printf("Failed:    %d\n", status.Failed)
			fmt.Printf("Cancelled: %d\n", status.Cancelled)
			fmt.Printf("Open:      %d\n", status.Open)
			return nil
		},
	}
}

func printJob(job *storage.SyncJob) {
	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("Entity:   %s/%s\n", job.EntityType, job.EntityID)
	fmt.Printf("Status:   %s\n", job.Status)
	fmt.Printf("Attempts: %d/%d\n", job.Attempts, job.MaxAttempts)
	fmt.Printf("Targets:  %s\n", strings.Join(job.TargetPlatforms, ", "))
	if job.BatchID != "" {
		fmt.Printf("Batch:    %s (%d/%d)\n", job.BatchID, job.BatchIndex+1, job.TotalBatches)
	}
	if job.LastError != "" {
		fmt.Printf("Error:    %s\n", job.LastError)
	}
	fmt.Println()
}

func renderJobsTable(jobs []*storage.SyncJob) error {
	if len(jobs) == 0 {
		fmt.Println("No replication jobs found.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader([]string{"Job ID", "Entity", "Status", "Attempts", "Targets", "Created"}),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(6, tw.AlignLeft)),
	)

	for _, job := range jobs {
		if err := table.Append([]string{
			job.ID,
			job.EntityType + "/" + job.EntityID,
			string(job.Status),
			fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			strings.Join(job.TargetPlatforms, ", "),
			job.CreatedAt.Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

// renderEventsTable renders a job's event history to stdout, oldest first.
func renderEventsTable(events []*storage.JobEvent) error {
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader([]string{"Time", "Event", "Target", "Attempt", "Detail"}),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(5, tw.AlignLeft)),
	)

	for _, event := range events {
		if err := table.Append([]string{
			event.CreatedAt.Format(time.RFC3339),
			string(event.Type),
			event.Target,
			fmt.Sprintf("%d", event.Attempt),
			event.Detail,
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
