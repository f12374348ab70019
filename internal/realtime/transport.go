// Package realtime abstracts the live event channel transport used for
// conversation and account channels. A channel is a named, subscribable,
// bidirectional event stream; the production implementation rides on NATS
// subjects, and tests substitute an in-memory transport.
package realtime

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the transport cannot open a channel or
// broadcast on it. The engine degrades to request/response mode rather
// than failing the user-visible operation.
var ErrUnavailable = errors.New("realtime: transport unavailable")

// Handle references one live channel.
type Handle interface {
	// Name returns the channel name the handle was opened for.
	Name() string
}

// Transport opens and closes channels and moves event payloads over them.
// Event kinds partition the traffic within a channel; a subscriber only
// sees the kinds it subscribed to.
type Transport interface {
	Open(ctx context.Context, channel string) (Handle, error)
	Close(h Handle) error
	Subscribe(h Handle, kind string, fn func(data []byte)) error
	Broadcast(h Handle, kind string, payload []byte) error
}

// ConversationChannel returns the channel name for one conversation's
// event stream.
func ConversationChannel(conversationID string) string {
	return "conv." + conversationID
}

// AccountChannel returns the channel name for a participant's
// account-wide event stream (membership and watermark changes).
func AccountChannel(participantID string) string {
	return "account." + participantID
}
