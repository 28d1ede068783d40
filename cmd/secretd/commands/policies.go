package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/secretd/internal/accessctl"
	"github.com/systmms/secretd/internal/config"
	dserrors "github.com/systmms/secretd/internal/errors"
	"github.com/systmms/secretd/internal/store"
)

// rotationPolicyDoc is the on-disk shape accepted by "policies apply".
type rotationPolicyDoc struct {
	Secret          string          `json:"secret"`
	IntervalSeconds int             `json:"interval_seconds,omitempty"`
	GraceSeconds    int             `json:"grace_seconds,omitempty"`
	MaxAttempts     int             `json:"max_attempts,omitempty"`
	Action          string          `json:"action,omitempty"`
	ActionConfig    json.RawMessage `json:"action_config,omitempty"`
	SecretLength    int             `json:"secret_length,omitempty"`
	SecretCharset   string          `json:"secret_charset,omitempty"`
}

// NewPoliciesCommand groups rotation policy and access document commands.
func NewPoliciesCommand(cfg *config.Config) *cobra.Command {
	var principal string

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Manage rotation policies and validate access documents",
	}
	cmd.PersistentFlags().StringVar(&principal, "principal", "admin", "Principal to act as")

	cmd.AddCommand(
		newPoliciesApplyCommand(cfg, &principal),
		newPoliciesShowCommand(cfg, &principal),
		newPoliciesValidateCommand(cfg),
	)
	return cmd
}

func newPoliciesApplyCommand(cfg *config.Config, principal *string) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file>",
		Short: "Install or replace a secret's rotation policy",
		Long: `Apply a rotation policy from a JSON file, for example:

  {
    "secret": "db/password",
    "interval_seconds": 86400,
    "grace_seconds": 3600,
    "max_attempts": 5,
    "action": "credential-update",
    "action_config": {"driver": "postgres", "dsn": "...", "username": "app"}
  }

Fields left out fall back to the defaults section of secretd.yaml.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return dserrors.UserError{
					Message:    "Failed to read the policy file",
					Suggestion: "Check the path passed to policies apply",
					Err:        err,
				}
			}

			var doc rotationPolicyDoc
			if err := json.Unmarshal(data, &doc); err != nil {
				return dserrors.ConfigError{
					Field:      "policy",
					Message:    fmt.Sprintf("failed to parse policy file: %v", err),
					Suggestion: "The policy file must be a JSON object; see policies apply --help",
				}
			}
			if doc.Secret == "" {
				return dserrors.ConfigError{
					Field:      "policy.secret",
					Message:    "the policy must name a secret",
					Suggestion: `Add a "secret" field with the secret's name`,
				}
			}

			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()

			defaults := cfg.Definition.Defaults
			pol := store.RotationPolicy{
				SecretName:      doc.Secret,
				IntervalSeconds: doc.IntervalSeconds,
				GraceSeconds:    doc.GraceSeconds,
				MaxAttempts:     doc.MaxAttempts,
				ActionKind:      doc.Action,
				ActionConfig:    doc.ActionConfig,
				SecretLength:    doc.SecretLength,
				SecretCharset:   doc.SecretCharset,
			}
			if pol.IntervalSeconds == 0 {
				pol.IntervalSeconds = defaults.IntervalSeconds
			}
			if pol.GraceSeconds == 0 {
				pol.GraceSeconds = defaults.GraceSeconds
			}
			if pol.MaxAttempts == 0 {
				pol.MaxAttempts = defaults.MaxAttempts
			}
			if pol.SecretLength == 0 {
				pol.SecretLength = defaults.SecretLength
			}
			if pol.SecretCharset == "" {
				pol.SecretCharset = defaults.SecretCharset
			}

			if err := cp.svc.SetRotationPolicy(cmd.Context(), *principal, pol); err != nil {
				return err
			}
			fmt.Printf("Applied rotation policy for %s (every %s)\n",
				doc.Secret, time.Duration(pol.IntervalSeconds)*time.Second)
			return nil
		},
	}
}

func newPoliciesShowCommand(cfg *config.Config, principal *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <secret>",
		Short: "Show a secret's rotation policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := openControlPlane(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cp.close()

			pol, err := cp.svc.GetRotationPolicy(cmd.Context(), *principal, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Secret:       %s\n", pol.SecretName)
			fmt.Printf("Interval:     %s\n", pol.Interval())
			fmt.Printf("Grace:        %s\n", pol.Grace())
			fmt.Printf("Max attempts: %d\n", pol.MaxAttempts)
			fmt.Printf("Action:       %s\n", pol.ActionKind)
			fmt.Printf("Next due:     %s\n", pol.NextDue.Format(time.RFC3339))
			return nil
		},
	}
}

func newPoliciesValidateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate an access policy document",
		Long: `Validate a JSON access policy document against the policy schema
without applying anything. Exits non-zero when the document is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return dserrors.UserError{
					Message:    "Failed to read the policy document",
					Suggestion: "Check the path passed to policies validate",
					Err:        err,
				}
			}

			rules, err := accessctl.ParseDocument(data)
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid (%d rules)\n", args[0], len(rules))
			return nil
		},
	}
}
