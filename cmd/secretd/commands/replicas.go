package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/secretd/internal/config"
	dserrors "github.com/systmms/secretd/internal/errors"
	"github.com/systmms/secretd/internal/replication"
)

// NewReplicasCommand inspects replication state on a running daemon.
func NewReplicasCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replicas",
		Short: "Inspect cross-region replication",
	}
	cmd.AddCommand(newReplicasStatusCommand(cfg))
	return cmd
}

func newReplicasStatusCommand(cfg *config.Config) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-region replication watermarks",
		Long: `Query the running daemon for its replication watermarks: the highest
version confirmed present at each replica region, per secret. Watermarks
are in-memory state of the daemon; this command needs it running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				if err := cfg.Load(); err != nil {
					return err
				}
				addr = cfg.Definition.Listen
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + addr + "/replicas")
			if err != nil {
				return dserrors.UserError{
					Message:    "Failed to reach the secretd daemon",
					Suggestion: fmt.Sprintf("Check that 'secretd serve' is running and listening on %s", addr),
					Err:        err,
				}
			}
			defer func() { _ = resp.Body.Close() }()

			var statuses []replication.RegionStatus
			if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
				return fmt.Errorf("failed to decode replication status: %w", err)
			}
			if len(statuses) == 0 {
				fmt.Println("No replica regions configured")
				return nil
			}

			for _, st := range statuses {
				fmt.Printf("%s (%s):\n", st.Region, st.Backend)
				if len(st.Watermarks) == 0 {
					fmt.Println("  nothing confirmed yet")
					continue
				}
				secrets := make([]string, 0, len(st.Watermarks))
				for name := range st.Watermarks {
					secrets = append(secrets, name)
				}
				sort.Strings(secrets)
				for _, name := range secrets {
					fmt.Printf("  %-40s v%d\n", name, st.Watermarks[name])
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (defaults to listen from config)")
	return cmd
}
