package rotation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/systmms/secretd/internal/logging"
)

// WebhookActionConfig is the policy action_config for key-regeneration.
type WebhookActionConfig struct {
	URL string `json:"url"`
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string `json:"auth_token,omitempty"`
}

// webhookPayload is what the external service receives. Idempotency key is
// (secret, version): a retried attempt carries the same pair and the same
// material, so the receiver can detect replays.
type webhookPayload struct {
	Secret    string    `json:"secret"`
	Version   int64     `json:"version"`
	NewValue  string    `json:"new_value"`
	Timestamp time.Time `json:"timestamp"`
}

type webhookReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// WebhookAction delivers regenerated key material to an external service
// over HTTPS.
type WebhookAction struct {
	logger *logging.Logger
	client *http.Client
}

// NewWebhookAction creates the key-regeneration action. The client carries
// no timeout of its own; the worker's per-attempt context is the deadline.
func NewWebhookAction(logger *logging.Logger) *WebhookAction {
	return &WebhookAction{
		logger: logger,
		client: &http.Client{},
	}
}

// Kind returns the action kind.
func (a *WebhookAction) Kind() Kind { return KindKeyRegeneration }

// Apply POSTs the new material to the configured endpoint and requires an
// explicit success acknowledgment. Anything else, including a 2xx with
// success=false, counts as failure.
func (a *WebhookAction) Apply(ctx context.Context, req Request) error {
	var cfg WebhookActionConfig
	if err := json.Unmarshal(req.Config, &cfg); err != nil {
		return fmt.Errorf("invalid key-regeneration config for %s: %w", req.SecretName, err)
	}
	if cfg.URL == "" {
		return fmt.Errorf("key-regeneration config for %s is missing url", req.SecretName)
	}

	payload, err := json.Marshal(webhookPayload{
		Secret:    req.SecretName,
		Version:   req.Version,
		NewValue:  string(req.NewValue),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	a.logger.Debug("Calling rotation webhook for %s (version %d)", req.SecretName, req.Version)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook call failed for %s: %w", req.SecretName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d for %s", resp.StatusCode, req.SecretName)
	}

	var reply webhookReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("webhook returned unparsable response for %s: %w", req.SecretName, err)
	}
	if !reply.Success {
		if reply.Error != "" {
			return fmt.Errorf("webhook rejected rotation for %s: %s", req.SecretName, reply.Error)
		}
		return fmt.Errorf("webhook rejected rotation for %s", req.SecretName)
	}

	a.logger.Info("Webhook accepted new key material for %s (version %d)", req.SecretName, req.Version)
	return nil
}
