package engine

import (
	"fmt"

	"github.com/parley/sync-engine/internal/identity"
	"github.com/parley/sync-engine/internal/realtime"
)

// ErrIdentityUnresolved is returned by operations that need the local
// participant before authentication has produced one. Callers defer the
// operation; they do not retry in a loop.
var ErrIdentityUnresolved = identity.ErrUnresolved

// ErrChannelUnavailable reports that a live event channel could not be
// opened or used. The engine keeps working through direct
// request/response until the next user-visible operation reopens the
// channel.
var ErrChannelUnavailable = realtime.ErrUnavailable

// PersistenceError wraps a failure talking to the persisted store. The
// optimistic state touched by the failed operation has already been
// rolled back when the caller sees this.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
