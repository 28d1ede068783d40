package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/google/uuid"
)

// SecretsManagerAPI is the subset of the AWS Secrets Manager client the
// backend uses. Narrowed so tests can substitute a fake.
type SecretsManagerAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// AWSSecretsManagerBackend replicates versions into AWS Secrets Manager.
// Each (name, version) pair becomes its own secret; the deterministic
// client request token makes retried writes collapse server-side.
type AWSSecretsManagerBackend struct {
	client SecretsManagerAPI
	prefix string
}

// NewAWSSecretsManagerBackend builds the backend for a region.
func NewAWSSecretsManagerBackend(ctx context.Context, region, prefix string) (*AWSSecretsManagerBackend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration for region %s: %w", region, err)
	}
	return &AWSSecretsManagerBackend{
		client: secretsmanager.NewFromConfig(cfg),
		prefix: prefix,
	}, nil
}

// newAWSSecretsManagerBackendWithClient is used by tests.
func newAWSSecretsManagerBackendWithClient(client SecretsManagerAPI, prefix string) *AWSSecretsManagerBackend {
	return &AWSSecretsManagerBackend{client: client, prefix: prefix}
}

// Name returns the backend type.
func (b *AWSSecretsManagerBackend) Name() string { return "aws.secretsmanager" }

// Write creates the per-version secret. A ResourceExists answer means an
// earlier delivery already landed this version, which is success.
func (b *AWSSecretsManagerBackend) Write(ctx context.Context, item Item) error {
	payload, err := item.Payload()
	if err != nil {
		return err
	}

	name := b.prefix + item.Key()
	token := uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()

	_, err = b.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:               aws.String(name),
		SecretString:       aws.String(string(payload)),
		ClientRequestToken: aws.String(token),
		Description:        aws.String(fmt.Sprintf("secretd replica of %s version %d", item.Name, item.Version)),
	})
	if err == nil {
		return nil
	}

	var exists *smtypes.ResourceExistsException
	if errors.As(err, &exists) {
		// The secret shell exists from an earlier delivery. Re-putting the
		// value with the same token is a server-side no-op.
		_, err = b.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:           aws.String(name),
			SecretString:       aws.String(string(payload)),
			ClientRequestToken: aws.String(token),
		})
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to replicate %s to Secrets Manager: %w", item.Key(), err)
}
