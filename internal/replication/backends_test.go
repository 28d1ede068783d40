package replication

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

func testItem() Item {
	return eventItem(event("db/password", 3))
}

// --- AWS Secrets Manager ---

type fakeSMClient struct {
	created map[string]string
	puts    int
}

func (f *fakeSMClient) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	name := aws.ToString(params.Name)
	if _, ok := f.created[name]; ok {
		return nil, &smtypes.ResourceExistsException{Message: aws.String("exists")}
	}
	f.created[name] = aws.ToString(params.SecretString)
	return &secretsmanager.CreateSecretOutput{Name: params.Name}, nil
}

func (f *fakeSMClient) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.puts++
	f.created[aws.ToString(params.SecretId)] = aws.ToString(params.SecretString)
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func TestAWSSecretsManagerBackendWrite(t *testing.T) {
	t.Parallel()

	client := &fakeSMClient{created: make(map[string]string)}
	b := newAWSSecretsManagerBackendWithClient(client, "secretd/")
	assert.Equal(t, "aws.secretsmanager", b.Name())

	item := testItem()
	require.NoError(t, b.Write(context.Background(), item))

	stored, ok := client.created["secretd/db/password/v3"]
	require.True(t, ok)

	var got Item
	require.NoError(t, json.Unmarshal([]byte(stored), &got))
	assert.Equal(t, item.Ciphertext, got.Ciphertext)
	assert.Equal(t, item.Version, got.Version)

	// Replay takes the ResourceExists path and still succeeds.
	require.NoError(t, b.Write(context.Background(), item))
	assert.Equal(t, 1, client.puts)
}

// --- AWS SSM Parameter Store ---

type fakeSSMClient struct {
	params map[string]ssm.PutParameterInput
}

func (f *fakeSSMClient) PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	f.params[aws.ToString(params.Name)] = *params
	return &ssm.PutParameterOutput{}, nil
}

func TestAWSSSMBackendWrite(t *testing.T) {
	t.Parallel()

	client := &fakeSSMClient{params: make(map[string]ssm.PutParameterInput)}
	b := newAWSSSMBackendWithClient(client, "/secretd/")
	assert.Equal(t, "aws.ssm", b.Name())

	require.NoError(t, b.Write(context.Background(), testItem()))

	stored, ok := client.params["/secretd/db/password/v3"]
	require.True(t, ok)
	assert.Equal(t, ssmtypes.ParameterTypeSecureString, stored.Type)
	assert.True(t, aws.ToBool(stored.Overwrite))
}

// --- GCP Secret Manager ---

type fakeGCPClient struct {
	secrets  map[string]bool
	versions map[string][][]byte
}

func (f *fakeGCPClient) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error) {
	if f.secrets[req.SecretId] {
		return nil, status.Error(codes.AlreadyExists, "already exists")
	}
	f.secrets[req.SecretId] = true
	return &secretmanagerpb.Secret{Name: req.Parent + "/secrets/" + req.SecretId}, nil
}

func (f *fakeGCPClient) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error) {
	f.versions[req.Parent] = append(f.versions[req.Parent], req.Payload.Data)
	return &secretmanagerpb.SecretVersion{}, nil
}

func TestGCPSecretManagerBackendWrite(t *testing.T) {
	t.Parallel()

	client := &fakeGCPClient{secrets: make(map[string]bool), versions: make(map[string][][]byte)}
	b := newGCPSecretManagerBackendWithClient(client, "my-project")
	assert.Equal(t, "gcp.secretmanager", b.Name())

	item := testItem()
	require.NoError(t, b.Write(context.Background(), item))

	parent := "projects/my-project/secrets/secretd-db-password-v3"
	require.Len(t, client.versions[parent], 1)

	var got Item
	require.NoError(t, json.Unmarshal(client.versions[parent][0], &got))
	assert.Equal(t, item.Ciphertext, got.Ciphertext)

	// Replay hits AlreadyExists and re-adds an identical payload.
	require.NoError(t, b.Write(context.Background(), item))
	assert.Len(t, client.versions[parent], 2)
	assert.Equal(t, client.versions[parent][0], client.versions[parent][1])
}

// --- Azure Key Vault ---

type fakeAzureClient struct {
	set map[string]string
}

func (f *fakeAzureClient) SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	f.set[name] = *parameters.Value
	return azsecrets.SetSecretResponse{}, nil
}

func TestAzureKeyVaultBackendWrite(t *testing.T) {
	t.Parallel()

	client := &fakeAzureClient{set: make(map[string]string)}
	b := newAzureKeyVaultBackendWithClient(client)
	assert.Equal(t, "azure.keyvault", b.Name())

	item := testItem()
	require.NoError(t, b.Write(context.Background(), item))

	stored, ok := client.set["secretd-db-password-v3"]
	require.True(t, ok)

	var got Item
	require.NoError(t, json.Unmarshal([]byte(stored), &got))
	assert.Equal(t, item.KeyID, got.KeyID)
}
