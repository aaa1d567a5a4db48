package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "launchguard.audit"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each record to a subject, one JSON message per record.
type NATSSink struct {
	pub     publisher
	subject string
	conn    *nats.Conn
}

func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: conn, subject: subject, conn: conn}
}

// ConnectNATS dials url and returns a sink owning the connection.
func ConnectNATS(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.Name("launchguard-audit"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATSSink(conn, subject), nil
}

// Subject returns the per-kind subject, e.g. launchguard.audit.submission.
func (n *NATSSink) Subject(kind Kind) string {
	return n.subject + "." + string(kind)
}

func (n *NATSSink) Append(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := n.pub.Publish(n.Subject(rec.Kind), data); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes an owned connection.
func (n *NATSSink) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
