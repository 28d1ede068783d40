package kms

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	dserrors "github.com/systmms/secretd/internal/errors"
)

// kmsAPI is the subset of the AWS KMS client used by the provider.
// Narrowed so tests can substitute a fake without network access.
type kmsAPI interface {
	Encrypt(ctx context.Context, params *awskms.EncryptInput, optFns ...func(*awskms.Options)) (*awskms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *awskms.DecryptInput, optFns ...func(*awskms.Options)) (*awskms.DecryptOutput, error)
	DescribeKey(ctx context.Context, params *awskms.DescribeKeyInput, optFns ...func(*awskms.Options)) (*awskms.DescribeKeyOutput, error)
}

// AWSConfig holds AWS KMS provider configuration.
type AWSConfig struct {
	KeyID           string // master key ID, alias or ARN
	Region          string
	Profile         string
	AccessKeyID     string // static credentials, optional
	SecretAccessKey string
}

// AWSProvider implements KeyProvider against AWS KMS.
type AWSProvider struct {
	client kmsAPI
	keyID  string
}

// NewAWSProvider creates an AWS KMS key provider.
func NewAWSProvider(ctx context.Context, cfg AWSConfig) (*AWSProvider, error) {
	if cfg.KeyID == "" {
		return nil, dserrors.ConfigError{
			Field:      "kms.key_id",
			Message:    "key_id is required for the aws.kms provider",
			Suggestion: "Set kms.key_id to a KMS key ID, alias or ARN",
		}
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return &AWSProvider{
		client: awskms.NewFromConfig(awsCfg),
		keyID:  cfg.KeyID,
	}, nil
}

// newAWSProviderWithClient is used by tests to inject a fake client.
func newAWSProviderWithClient(client kmsAPI, keyID string) *AWSProvider {
	return &AWSProvider{client: client, keyID: keyID}
}

// Name returns the provider identifier.
func (p *AWSProvider) Name() string { return "aws.kms" }

// WrapKey encrypts the data key under the configured master key.
func (p *AWSProvider) WrapKey(ctx context.Context, plaintextKey []byte) (WrappedKey, error) {
	out, err := p.client.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:     aws.String(p.keyID),
		Plaintext: plaintextKey,
	})
	if err != nil {
		return WrappedKey{}, dserrors.KeyProviderError{Operation: "wrap", Err: err}
	}

	return WrappedKey{
		KeyID:      aws.ToString(out.KeyId),
		Ciphertext: out.CiphertextBlob,
	}, nil
}

// UnwrapKey decrypts a wrapped data key.
func (p *AWSProvider) UnwrapKey(ctx context.Context, ref WrappedKey) ([]byte, error) {
	in := &awskms.DecryptInput{CiphertextBlob: ref.Ciphertext}
	if ref.KeyID != "" {
		in.KeyId = aws.String(ref.KeyID)
	}

	out, err := p.client.Decrypt(ctx, in)
	if err != nil {
		return nil, dserrors.KeyProviderError{Operation: "unwrap", Err: err}
	}
	return out.Plaintext, nil
}

// DescribeKey returns metadata about the master key behind a reference.
func (p *AWSProvider) DescribeKey(ctx context.Context, ref WrappedKey) (KeyMetadata, error) {
	keyID := ref.KeyID
	if keyID == "" {
		keyID = p.keyID
	}

	out, err := p.client.DescribeKey(ctx, &awskms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return KeyMetadata{}, dserrors.KeyProviderError{Operation: "describe", Err: err}
	}

	meta := KeyMetadata{KeyID: keyID}
	if out.KeyMetadata != nil {
		meta.KeyID = aws.ToString(out.KeyMetadata.KeyId)
		meta.Enabled = out.KeyMetadata.KeyState == types.KeyStateEnabled
		meta.Algorithm = string(out.KeyMetadata.KeySpec)
		if out.KeyMetadata.CreationDate != nil {
			meta.CreatedAt = *out.KeyMetadata.CreationDate
		}
	}
	return meta, nil
}
