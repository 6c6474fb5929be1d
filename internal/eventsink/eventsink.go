// Package eventsink mirrors gateway notifications to an external bus so
// other services can observe session activity. It is strictly fire-and
// forget: the long-poll queue stays the source of truth for clients.
package eventsink

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// Sink receives a copy of every event appended to a session queue.
type Sink interface {
	Publish(sessionID uint64, payload []byte) error
	Close() error
}

// Nop is the sink used when mirroring is disabled.
type Nop struct{}

func (Nop) Publish(uint64, []byte) error { return nil }
func (Nop) Close() error                 { return nil }

// NatsSink publishes each event on "<subject>.<sessionID>".
type NatsSink struct {
	conn    *nats.Conn
	subject string
}

func NewNats(url, subject string) (*NatsSink, error) {
	conn, err := nats.Connect(url, nats.Name("rtcgate"))
	if err != nil {
		return nil, err
	}
	return &NatsSink{conn: conn, subject: subject}, nil
}

func (s *NatsSink) Publish(sessionID uint64, payload []byte) error {
	return s.conn.Publish(fmt.Sprintf("%s.%d", s.subject, sessionID), payload)
}

func (s *NatsSink) Close() error {
	return s.conn.Drain()
}
