// Package rotation implements the external side of a rotation: generating
// new secret material and pushing it to the system that consumes it.
//
// Actions are deliberately dumb. The worker owns the protocol (write
// PENDING, apply, promote); an action only answers "make the external
// system accept this new value" and reports success or failure. An action
// must be safe to retry: the worker re-runs it with the same material after
// transient failures.
package rotation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/systmms/secretd/internal/logging"
)

// Kind tags the rotation behavior configured for a secret.
type Kind string

const (
	// KindNone rotates the stored value without touching any external
	// system. Used for API tokens that only secretd's consumers read.
	KindNone Kind = "none"

	// KindCredentialUpdate updates a database login to the new password.
	KindCredentialUpdate Kind = "credential-update"

	// KindKeyRegeneration asks an external service, via webhook, to accept
	// the regenerated key material.
	KindKeyRegeneration Kind = "key-regeneration"
)

// Request carries everything an action needs for one attempt.
type Request struct {
	SecretName string
	Version    int64
	// NewValue is the plaintext material being installed. Actions must not
	// log or persist it.
	NewValue []byte
	Config   json.RawMessage
}

// Action applies new secret material to the external system.
type Action interface {
	Kind() Kind
	Apply(ctx context.Context, req Request) error
}

// NewAction builds the action for a policy's kind.
func NewAction(kind Kind, logger *logging.Logger) (Action, error) {
	switch kind {
	case KindNone, "":
		return &NoneAction{}, nil
	case KindCredentialUpdate:
		return NewSQLAction(logger), nil
	case KindKeyRegeneration:
		return NewWebhookAction(logger), nil
	default:
		return nil, fmt.Errorf("unknown rotation action kind: %s", kind)
	}
}

// NoneAction is the no-op action for internally consumed secrets.
type NoneAction struct{}

// Kind returns the action kind.
func (a *NoneAction) Kind() Kind { return KindNone }

// Apply does nothing; the store write is the whole rotation.
func (a *NoneAction) Apply(ctx context.Context, req Request) error { return nil }
