package replication

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMAPI is the subset of the SSM client the backend uses.
type SSMAPI interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// AWSSSMBackend replicates versions into SSM Parameter Store as
// SecureString parameters. Overwriting a parameter with the same value is
// naturally idempotent.
type AWSSSMBackend struct {
	client SSMAPI
	prefix string // parameter path prefix, e.g. "/secretd/"
}

// NewAWSSSMBackend builds the backend for a region.
func NewAWSSSMBackend(ctx context.Context, region, prefix string) (*AWSSSMBackend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration for region %s: %w", region, err)
	}
	if prefix == "" {
		prefix = "/secretd/"
	}
	return &AWSSSMBackend{client: ssm.NewFromConfig(cfg), prefix: prefix}, nil
}

// newAWSSSMBackendWithClient is used by tests.
func newAWSSSMBackendWithClient(client SSMAPI, prefix string) *AWSSSMBackend {
	return &AWSSSMBackend{client: client, prefix: prefix}
}

// Name returns the backend type.
func (b *AWSSSMBackend) Name() string { return "aws.ssm" }

// Write upserts the per-version parameter.
func (b *AWSSSMBackend) Write(ctx context.Context, item Item) error {
	payload, err := item.Payload()
	if err != nil {
		return err
	}

	_, err = b.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(b.prefix + item.Key()),
		Value:     aws.String(string(payload)),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to replicate %s to Parameter Store: %w", item.Key(), err)
	}
	return nil
}
