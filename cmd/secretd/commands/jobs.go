package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/secretd/internal/config"
	"github.com/systmms/secretd/internal/store"
)

// NewJobsCommand inspects rotation job history.
func NewJobsCommand(cfg *config.Config) *cobra.Command {
	var principal string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect rotation jobs",
	}
	cmd.PersistentFlags().StringVar(&principal, "principal", "admin", "Principal to act as")

	cmd.AddCommand(
		newJobsListCommand(cfg, &principal),
		newJobsStuckCommand(cfg, &principal),
	)
	return cmd
}

func newJobsListCommand(cfg *config.Config, principal *string) *cobra.Command {
	var (
		failed bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rotation jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()

			var status store.JobStatus
			if failed {
				status = store.JobFailed
			}
			jobs, err := cp.svc.ListJobs(cmd.Context(), *principal, status, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No rotation jobs")
				return nil
			}
			for _, job := range jobs {
				line := fmt.Sprintf("%-36s %-40s %-12s attempts=%d scheduled=%s",
					job.ID, job.SecretName, job.Status, job.Attempts,
					job.ScheduledAt.Format(time.RFC3339))
				if job.LastError != "" {
					line += " error=" + job.LastError
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "Only terminally failed jobs")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum jobs to show")
	return cmd
}

func newJobsStuckCommand(cfg *config.Config, principal *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stuck",
		Short: "List secrets stuck in ROTATING past the attempt ceiling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()

			stuck, err := cp.svc.StuckSecrets(cmd.Context(), *principal)
			if err != nil {
				return err
			}
			if len(stuck) == 0 {
				fmt.Println("No stuck rotations")
				return nil
			}
			for _, rec := range stuck {
				fmt.Printf("%-40s current=v%d updated=%s\n",
					rec.Name, rec.CurrentVersion, rec.UpdatedAt.Format(time.RFC3339))
			}
			fmt.Println("\nUse 'secretd rotate <name>' to retry after fixing the external system.")
			return nil
		},
	}
}
