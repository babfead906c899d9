package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meridianhq/drydock/pkg/log"
)

// NATSBus carries agent RPC over a NATS connection. The same connection is
// shared with the JetStream task queue (pkg/task), so a director process
// holds exactly one connection to the bus.
type NATSBus struct {
	conn *nats.Conn
}

// ConnectNATS dials the bus with the reconnect behavior the director needs:
// buffered publishes while reconnecting and unlimited reconnect attempts, so
// a bus outage stalls RPCs instead of failing the process.
func ConnectNATS(url string) (*NATSBus, error) {
	logger := log.WithComponent("bus")
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSBus{conn: conn}, nil
}

// Conn exposes the underlying connection for the JetStream task queue.
func (b *NATSBus) Conn() *nats.Conn { return b.conn }

func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Ping round-trips the server, for health probes.
func (b *NATSBus) Ping(ctx context.Context) error {
	return b.conn.FlushWithContext(ctx)
}

func (b *NATSBus) Close() {
	b.conn.Drain()
}
