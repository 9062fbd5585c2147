package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Martian-dev/mail-bridge/internal/sync"
)

// DefaultStream is the stream ingested-mail events are written to
const DefaultStream = "MAIL_EVENTS"

// HeaderEventType carries the outbox event type on every published message
const HeaderEventType = "Mail-Event-Type"

// mailboxSubjects matches every per-mailbox event subject
const mailboxSubjects = "mailbox.*.>"

// Publisher wraps NATS JetStream for publishing ingestion events
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// NewPublisher creates a new NATS JetStream publisher
func NewPublisher(url, stream string) (*Publisher, error) {
	if stream == "" {
		stream = DefaultStream
	}

	nc, err := nats.Connect(url, nats.Name("mail-bridge"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: stream}, nil
}

// EnsureStream ensures the mail events stream exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	streamInfo, err := p.js.StreamInfo(p.stream, nats.Context(ctx))
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{mailboxSubjects},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Publish writes an outbox entry to the stream under its message id. The
// returned flag is set when the stream dropped it as a duplicate.
func (p *Publisher) Publish(ctx context.Context, msg sync.OutboxMessage) (bool, error) {
	ack, err := p.js.PublishMsg(outboxMsg(msg), nats.Context(ctx))
	if err != nil {
		return false, fmt.Errorf("failed to publish %s: %w", msg.MsgID, err)
	}
	return ack.Duplicate, nil
}

func outboxMsg(msg sync.OutboxMessage) *nats.Msg {
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Payload
	m.Header.Set(nats.MsgIdHdr, msg.MsgID)
	if msg.EventType != "" {
		m.Header.Set(HeaderEventType, msg.EventType)
	}
	return m
}

// IsConnected reports whether the NATS connection is up
func (p *Publisher) IsConnected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
