package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

const defaultSubjectPrefix = "silo.fleet.audit"

// NATSSink publishes JSON-encoded events on "<prefix>.<event type>".
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSSink(conn *nats.Conn, subjectPrefix string) *NATSSink {
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: subjectPrefix}
}

// DialNATS connects to url with reconnect handling suitable for a
// long-lived publisher.
func DialNATS(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("Audit NATS connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("Audit NATS connection restored", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

func (s *NATSSink) Subject(t EventType) string {
	return s.prefix + "." + string(t)
}

func (s *NATSSink) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(event.Type), data); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}
