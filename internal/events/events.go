// Package events publishes run lifecycle events.
//
// Events go to NATS subjects of the form
//
//	{prefix}.runs.{token}.{kind}
//
// so a subscriber can follow one request with {prefix}.runs.{token}.> or
// every request with {prefix}.runs.>. Publishing is fire-and-forget: a
// missing or slow NATS server never fails a run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodoc/internal/logging"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindSubmitted Kind = "submitted"
	KindSnapshot  Kind = "snapshot"
	KindGenerated Kind = "generated"
	KindDeployed  Kind = "deployed"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// Event is one lifecycle notification.
type Event struct {
	Kind       Kind              `json:"kind"`
	RunID      string            `json:"run_id"`
	Token      string            `json:"token"`
	Repository string            `json:"repository,omitempty"`
	Stage      string            `json:"stage,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Subject returns the subject an event for token is published on.
func Subject(prefix, token string, kind Kind) string {
	return fmt.Sprintf("%s.runs.%s.%s", prefix, subjectToken(token), kind)
}

// subjectToken makes token safe as a single subject element.
func subjectToken(token string) string {
	if token == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, token)
}

// NATSPublisher publishes events as JSON to NATS.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *logging.Logger
	now    func() time.Time
}

// NewNATSPublisher publishes on an existing connection. Close does not
// close nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *NATSPublisher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger, now: time.Now}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix, name string, logger *logging.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// Publish sends e. A zero timestamp is filled in.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(p.prefix, e.Token, e.Kind)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	p.logger.Trace(ctx, "event published", zap.String("subject", subject))
	return nil
}

// Close flushes pending messages and closes an owned connection.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	err := p.nc.FlushTimeout(2 * time.Second)
	p.nc.Close()
	if err != nil && err != nats.ErrConnectionClosed {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}
