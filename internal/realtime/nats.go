package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "parley-sync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSTransport implements Transport on top of a shared NATS connection.
// A channel maps to a subject prefix; event kinds become subject suffixes,
// so channel "conv.c1" with kind "typing" rides on subject
// "conv.c1.typing".
type NATSTransport struct {
	conn *nats.Conn
}

// natsHandle is one open channel. It tracks the channel's subscriptions
// so Close can drain them together.
type natsHandle struct {
	name string

	mu   sync.Mutex
	subs []*nats.Subscription
}

func (h *natsHandle) Name() string { return h.name }

// NewNATSTransport connects to NATS with the given config and returns a
// ready transport. It returns an error if the initial connection fails.
func NewNATSTransport(config NATSConfig) (*NATSTransport, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &NATSTransport{conn: nc}, nil
}

// Open returns a handle for the named channel. NATS multiplexes channels
// over one connection, so opening is cheap; it fails only when the
// connection itself is down, which callers treat as degraded mode.
func (t *NATSTransport) Open(_ context.Context, channel string) (Handle, error) {
	if !t.conn.IsConnected() {
		return nil, fmt.Errorf("%w: nats connection %s", ErrUnavailable, t.conn.Status())
	}
	return &natsHandle{name: channel}, nil
}

// Close drains all subscriptions held by the handle. Further inbound
// events for the channel stop after the drain completes.
func (t *NATSTransport) Close(h Handle) error {
	nh, ok := h.(*natsHandle)
	if !ok {
		return fmt.Errorf("realtime: foreign handle %T", h)
	}

	nh.mu.Lock()
	subs := nh.subs
	nh.subs = nil
	nh.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	return nil
}

// Subscribe registers a callback for one event kind on the channel.
func (t *NATSTransport) Subscribe(h Handle, kind string, fn func(data []byte)) error {
	nh, ok := h.(*natsHandle)
	if !ok {
		return fmt.Errorf("realtime: foreign handle %T", h)
	}

	subject := nh.name + "." + kind
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	nh.mu.Lock()
	nh.subs = append(nh.subs, sub)
	nh.mu.Unlock()
	return nil
}

// Broadcast publishes an event payload to all subscribers of the kind on
// the channel, including other processes.
func (t *NATSTransport) Broadcast(h Handle, kind string, payload []byte) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("%w: nats connection %s", ErrUnavailable, t.conn.Status())
	}
	subject := h.Name() + "." + kind
	if err := t.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Shutdown drains the underlying connection.
func (t *NATSTransport) Shutdown() {
	if err := t.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] transport closed")
}
