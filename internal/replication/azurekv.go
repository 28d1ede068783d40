package replication

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// AzureKeyVaultAPI is the subset of the Key Vault secrets client the
// backend uses.
type AzureKeyVaultAPI interface {
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
}

// AzureKeyVaultBackend replicates versions into an Azure Key Vault. Vault
// secret names only allow alphanumerics and dashes, so the (name, version)
// key is flattened through replicaSlug. Setting the same name to the same
// value on replay adds a vault-side version with identical content, which
// readers cannot distinguish from a single write.
type AzureKeyVaultBackend struct {
	client AzureKeyVaultAPI
}

// NewAzureKeyVaultBackend builds the backend. A nil credential selects the
// default Azure credential chain.
func NewAzureKeyVaultBackend(vaultURL string, cred azcore.TokenCredential) (*AzureKeyVaultBackend, error) {
	if cred == nil {
		defaultCred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain Azure credentials: %w", err)
		}
		cred = defaultCred
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	return &AzureKeyVaultBackend{client: client}, nil
}

// newAzureKeyVaultBackendWithClient is used by tests.
func newAzureKeyVaultBackendWithClient(client AzureKeyVaultAPI) *AzureKeyVaultBackend {
	return &AzureKeyVaultBackend{client: client}
}

// Name returns the backend type.
func (b *AzureKeyVaultBackend) Name() string { return "azure.keyvault" }

// Write upserts the per-version vault secret.
func (b *AzureKeyVaultBackend) Write(ctx context.Context, item Item) error {
	payload, err := item.Payload()
	if err != nil {
		return err
	}

	value := string(payload)
	_, err = b.client.SetSecret(ctx, replicaSlug(item.Name, item.Version),
		azsecrets.SetSecretParameters{Value: &value}, nil)
	if err != nil {
		return fmt.Errorf("failed to replicate %s to Key Vault: %w", item.Key(), err)
	}
	return nil
}
