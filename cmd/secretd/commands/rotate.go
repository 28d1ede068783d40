package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/secretd/internal/config"
)

// NewRotateCommand forces an immediate rotation of one secret.
func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var principal string

	cmd := &cobra.Command{
		Use:   "rotate <name>",
		Short: "Enqueue an immediate rotation",
		Long: `Enqueue a rotation job for the named secret without waiting for its
next due time. The running daemon's worker pool picks the job up. At most
one rotation job is outstanding per secret; if one is already queued or in
progress this command reports it and changes nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()

			job, enqueued, err := cp.svc.Rotate(cmd.Context(), principal, args[0])
			if err != nil {
				return err
			}
			if !enqueued {
				fmt.Printf("A rotation job for %s is already outstanding\n", args[0])
				return nil
			}
			fmt.Printf("Enqueued rotation job %s for %s\n", job.ID, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "admin", "Principal to act as")
	return cmd
}
