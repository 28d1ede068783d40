package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/secretd/internal/config"
	dserrors "github.com/systmms/secretd/internal/errors"
	"github.com/systmms/secretd/internal/store"
)

// NewSecretsCommand groups the secret lifecycle subcommands.
func NewSecretsCommand(cfg *config.Config) *cobra.Command {
	var principal string

	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Create, read and manage stored secrets",
	}
	cmd.PersistentFlags().StringVar(&principal, "principal", "admin", "Principal to act as")

	cmd.AddCommand(
		newSecretsCreateCommand(cfg, &principal),
		newSecretsGetCommand(cfg, &principal),
		newSecretsPutCommand(cfg, &principal),
		newSecretsListCommand(cfg, &principal),
		newSecretsDescribeCommand(cfg, &principal),
		newSecretsDisableCommand(cfg, &principal),
		newSecretsEnableCommand(cfg, &principal),
		newSecretsDeleteCommand(cfg, &principal),
	)
	return cmd
}

// readValue resolves the secret value from --value or --value-file.
func readValue(value, valueFile string) ([]byte, error) {
	switch {
	case value != "" && valueFile != "":
		return nil, dserrors.UserError{
			Message:    "Both --value and --value-file were given",
			Suggestion: "Pass exactly one of --value or --value-file",
		}
	case value != "":
		return []byte(value), nil
	case valueFile != "":
		data, err := os.ReadFile(valueFile)
		if err != nil {
			return nil, dserrors.UserError{
				Message:    "Failed to read the value file",
				Suggestion: "Check the path passed to --value-file",
				Err:        err,
			}
		}
		return data, nil
	default:
		return nil, dserrors.UserError{
			Message:    "A secret value is required",
			Suggestion: "Pass --value <string> or --value-file <path>",
		}
	}
}

func newSecretsCreateCommand(cfg *config.Config, principal *string) *cobra.Command {
	var value, valueFile string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := readValue(value, valueFile)
			if err != nil {
				return err
			}
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()

			version, err := cp.svc.CreateSecret(cmd.Context(), *principal, args[0], plaintext)
			if err != nil {
				return err
			}
			fmt.Printf("Created %s (version %d)\n", args[0], version)
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Secret value")
	cmd.Flags().StringVar(&valueFile, "value-file", "", "Read the secret value from a file")
	return cmd
}

func newSecretsGetCommand(cfg *config.Config, principal *string) *cobra.Command {
	var (
		previous   bool
		version    int64
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Read a secret value",
		Long: `Read and decrypt a secret version.

By default the CURRENT version is printed raw, suitable for scripting.
--previous reads the PREVIOUS version while its grace window is open.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()

			var opts []store.GetOption
			if previous {
				opts = append(opts, store.WithStage(store.StagePrevious))
			}
			if version > 0 {
				opts = append(opts, store.WithVersion(version))
			}

			ver, err := cp.svc.GetSecret(cmd.Context(), *principal, args[0], opts...)
			if err != nil {
				return err
			}

			if jsonOutput {
				out := map[string]interface{}{
					"name":       ver.Name,
					"version":    ver.Version,
					"stage":      ver.Stage,
					"key_id":     ver.KeyID,
					"created_at": ver.CreatedAt,
					"value":      string(ver.Value),
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			fmt.Println(string(ver.Value))
			return nil
		},
	}
	cmd.Flags().BoolVar(&previous, "previous", false, "Read the PREVIOUS version (grace window)")
	cmd.Flags().Int64Var(&version, "version", 0, "Read a specific version")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print value and metadata as JSON")
	return cmd
}

func newSecretsPutCommand(cfg *config.Config, principal *string) *cobra.Command {
	var (
		value           string
		valueFile       string
		expectedVersion int64
		promote         bool
	)

	cmd := &cobra.Command{
		Use:   "put <name>",
		Short: "Write a new secret version",
		Long: `Write a new PENDING version under optimistic concurrency control.

--expected-version must be the version the caller last observed; a stale
value loses with a conflict instead of overwriting concurrent writes.
--promote commits the new version as CURRENT immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := readValue(value, valueFile)
			if err != nil {
				return err
			}
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()

			version, err := cp.svc.PutSecret(cmd.Context(), *principal, args[0], plaintext, expectedVersion)
			if err != nil {
				return err
			}
			if promote {
				if err := cp.svc.PromoteSecret(cmd.Context(), *principal, args[0], version); err != nil {
					return err
				}
				fmt.Printf("Wrote and promoted %s version %d\n", args[0], version)
				return nil
			}
			fmt.Printf("Wrote %s version %d (PENDING)\n", args[0], version)
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "Secret value")
	cmd.Flags().StringVar(&valueFile, "value-file", "", "Read the secret value from a file")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "Version the caller last observed")
	cmd.Flags().BoolVar(&promote, "promote", false, "Promote the new version to CURRENT")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func newSecretsListCommand(cfg *config.Config, principal *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all secret records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()

			records, err := cp.svc.ListSecrets(cmd.Context(), *principal)
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Printf("%-40s v%-5d %s\n", rec.Name, rec.CurrentVersion, rec.State)
			}
			return nil
		},
	}
}

func newSecretsDescribeCommand(cfg *config.Config, principal *string) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <name>",
		Short: "Show record metadata and version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()

			rec, err := cp.svc.DescribeSecret(cmd.Context(), *principal, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Name:            %s\n", rec.Name)
			fmt.Printf("State:           %s\n", rec.State)
			fmt.Printf("Current version: %d\n", rec.CurrentVersion)
			fmt.Printf("Updated:         %s\n", rec.UpdatedAt.Format(time.RFC3339))
			if rec.DeleteAfter != nil {
				fmt.Printf("Deletes after:   %s\n", rec.DeleteAfter.Format(time.RFC3339))
			}

			infos, err := cp.svc.ListVersions(cmd.Context(), *principal, args[0])
			if err != nil {
				return err
			}
			fmt.Println("Versions:")
			for _, vi := range infos {
				fmt.Printf("  v%-5d %-10s key=%s\n", vi.Version, vi.Stage, vi.KeyID)
			}
			return nil
		},
	}
}

func newSecretsDisableCommand(cfg *config.Config, principal *string) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Block reads and writes without destroying material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()
			if err := cp.svc.DisableSecret(cmd.Context(), *principal, args[0]); err != nil {
				return err
			}
			fmt.Printf("Disabled %s\n", args[0])
			return nil
		},
	}
}

func newSecretsEnableCommand(cfg *config.Config, principal *string) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Return a disabled secret to service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()
			if err := cp.svc.EnableSecret(cmd.Context(), *principal, args[0]); err != nil {
				return err
			}
			fmt.Printf("Enabled %s\n", args[0])
			return nil
		},
	}
}

func newSecretsDeleteCommand(cfg *config.Config, principal *string) *cobra.Command {
	var retentionSecs int

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Schedule a secret for destruction after the retention window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()

			retention := time.Duration(retentionSecs) * time.Second
			if retentionSecs == 0 {
				retention = time.Duration(cfg.Definition.Defaults.RetentionSeconds) * time.Second
			}
			if err := cp.svc.DeleteSecret(cmd.Context(), *principal, args[0], retention); err != nil {
				return err
			}
			fmt.Printf("Scheduled %s for deletion in %s\n", args[0], retention)
			return nil
		},
	}
	cmd.Flags().IntVar(&retentionSecs, "retention-seconds", 0, "Override the retention window")
	return cmd
}
