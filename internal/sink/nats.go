package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/thiagokokada/repowatch/internal/watcher"
)

// conn is the subset of *nats.Conn the sink needs.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATS publishes every event to "<prefix>.<type>".
type NATS struct {
	nc     conn
	prefix string
}

// ConnectNATS dials url and returns a sink publishing under prefix.
func ConnectNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("repowatch"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	slog.Info("nats connected", slog.String("url", nc.ConnectedUrlRedacted()), slog.String("prefix", prefix))
	return newNATS(nc, prefix), nil
}

func newNATS(nc conn, prefix string) *NATS {
	return &NATS{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject events of type t are published to.
func (n *NATS) Subject(t watcher.EventType) string {
	return n.prefix + "." + string(t)
}

// Publish sends ev and waits for the server to acknowledge the flush, so a
// slow or lost connection surfaces within ctx.
func (n *NATS) Publish(ctx context.Context, ev watcher.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	subject := n.Subject(ev.Type)
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}
