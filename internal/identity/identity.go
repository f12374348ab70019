// Package identity supplies the local participant's resolved identity and
// keeps ephemeral presence state backed by Redis. The engine only ever
// consumes a resolved Participant; resolution may legitimately fail
// before authentication completes, and callers must treat that as a
// deferred state, not an error to retry in a loop.
package identity

import (
	"context"
	"errors"

	"github.com/parley/sync-engine/internal/conversation"
)

// ErrUnresolved is returned while no identity is available, e.g. before
// the authentication bootstrap has populated the participant record.
var ErrUnresolved = errors.New("identity: current identity not resolved")

// Resolver supplies the local participant's identity.
type Resolver interface {
	ResolveCurrentIdentity(ctx context.Context) (*conversation.Participant, error)
}

// StaticResolver resolves to a fixed participant. Used by tests and by
// deployments where the identity is injected at process start.
type StaticResolver struct {
	Participant *conversation.Participant
}

func (r StaticResolver) ResolveCurrentIdentity(context.Context) (*conversation.Participant, error) {
	if r.Participant == nil {
		return nil, ErrUnresolved
	}
	return r.Participant, nil
}
