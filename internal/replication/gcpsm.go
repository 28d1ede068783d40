package replication

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCPSecretManagerAPI is the subset of the Secret Manager client the
// backend uses.
type GCPSecretManagerAPI interface {
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
}

// GCPSecretManagerBackend replicates versions into Google Secret Manager.
// Each (name, version) pair becomes its own secret holding exactly one
// payload version; AlreadyExists on create means a previous delivery landed
// this version.
type GCPSecretManagerBackend struct {
	client    GCPSecretManagerAPI
	projectID string
}

// NewGCPSecretManagerBackend builds the backend using application default
// credentials.
func NewGCPSecretManagerBackend(ctx context.Context, projectID string) (*GCPSecretManagerBackend, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &GCPSecretManagerBackend{client: client, projectID: projectID}, nil
}

// newGCPSecretManagerBackendWithClient is used by tests.
func newGCPSecretManagerBackendWithClient(client GCPSecretManagerAPI, projectID string) *GCPSecretManagerBackend {
	return &GCPSecretManagerBackend{client: client, projectID: projectID}
}

// Name returns the backend type.
func (b *GCPSecretManagerBackend) Name() string { return "gcp.secretmanager" }

// Write creates the per-version secret and adds its single payload version.
func (b *GCPSecretManagerBackend) Write(ctx context.Context, item Item) error {
	payload, err := item.Payload()
	if err != nil {
		return err
	}

	secretID := replicaSlug(item.Name, item.Version)
	parent := "projects/" + b.projectID

	_, err = b.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   parent,
		SecretId: secretID,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create replica secret %s: %w", secretID, err)
	}

	// Add the payload even when the shell already existed: a crash between
	// create and add would otherwise leave an empty replica. The payload is
	// identical on every delivery of this (name, version), so duplicates
	// are harmless.
	_, err = b.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  parent + "/secrets/" + secretID,
		Payload: &secretmanagerpb.SecretPayload{Data: payload},
	})
	if err != nil {
		return fmt.Errorf("failed to add payload to replica secret %s: %w", secretID, err)
	}
	return nil
}
