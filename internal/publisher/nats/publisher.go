// Package nats publishes artifact notifications on a NATS subject.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultFlushTimeout = 5 * time.Second

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// Publisher sends JSON payloads with core NATS publish and waits for the
// server to acknowledge the flush.
type Publisher struct {
	conn          conn
	subjectPrefix string
	logger        *zap.Logger
}

// Connect dials url and returns a Publisher. Subjects are prefixed with
// subjectPrefix when it is set, e.g. "docsagg." + "artifact.ready".
func Connect(url, subjectPrefix string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("docsagg"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newPublisher(nc, subjectPrefix, logger), nil
}

func newPublisher(c conn, subjectPrefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: c, subjectPrefix: subjectPrefix, logger: logger}
}

// Publish encodes payload and publishes it. The returned ID is generated
// locally since core NATS has no server-side message IDs.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	subject := p.subjectPrefix + topic
	if err := p.conn.Publish(subject, data); err != nil {
		return "", fmt.Errorf("publish to %s: %w", subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return "", fmt.Errorf("flush %s: %w", subject, err)
	}
	id := uuid.NewString()
	p.logger.Debug("published notification", zap.String("subject", subject), zap.String("message_id", id))
	return id, nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
