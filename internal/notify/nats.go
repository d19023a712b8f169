package notify

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
)

// NATSTransport publishes events on a NATS core subject.
type NATSTransport struct {
	nc *nats.Conn
}

// DialNATS connects to url and keeps reconnecting for the lifetime of the process.
func DialNATS(url string) (*NATSTransport, error) {
	nc, err := nats.Connect(url,
		nats.Name("job-scheduler"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &NATSTransport{nc: nc}, nil
}

// NewNATSTransport wraps an existing connection.
func NewNATSTransport(nc *nats.Conn) *NATSTransport {
	return &NATSTransport{nc: nc}
}

func (n *NATSTransport) Send(_ context.Context, subject string, body []byte) error {
	if err := n.nc.Publish(subject, body); err != nil {
		return errors.Wrap(err, "nats publish")
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATSTransport) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return errors.Wrap(err, "drain nats")
	}
	return nil
}
