// Package ingest consumes alerts from the message bus and feeds them into
// the triage service.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/triage"
)

// Submitter accepts alerts. Satisfied by *triage.Service.
type Submitter interface {
	Submit(ctx context.Context, al *alert.Alert) (*triage.SubmitResult, error)
}

// Config holds NATS consumer settings.
type Config struct {
	URL     string
	Subject string
	// Queue is the queue group name; consumers in the same group share the
	// subject so horizontal replicas do not double-ingest.
	Queue string
}

// DefaultConfig returns the standard consumer settings.
func DefaultConfig() Config {
	return Config{
		URL:     nats.DefaultURL,
		Subject: "alerts.ingest",
		Queue:   "warden",
	}
}

// Consumer pulls alert payloads off the bus.
type Consumer struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	cfg    Config
	svc    Submitter
	logger log.Logger
	hooks  Hooks
}

// Hooks receives consumer observations.
type Hooks struct {
	OnMessage func(result string)
}

// NewConsumer connects to NATS. The connection retries in the background so
// a bus restart does not take the engine down with it.
func NewConsumer(cfg Config, svc Submitter, logger log.Logger, hooks Hooks) (*Consumer, error) {
	if logger == nil {
		logger = log.Nop()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		conn:   conn,
		cfg:    cfg,
		svc:    svc,
		logger: logger,
		hooks:  hooks,
	}, nil
}

// Start subscribes to the alert subject as part of the queue group.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.conn.QueueSubscribe(c.cfg.Subject, c.cfg.Queue, func(msg *nats.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return err
	}
	c.sub = sub
	c.logger.Info(ctx, "consuming alerts", "subject", c.cfg.Subject, "queue", c.cfg.Queue)
	return nil
}

// Stop drains the subscription and closes the connection.
func (c *Consumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Drain()
	}
	c.conn.Close()
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	al, err := Decode(msg.Data)
	if err != nil {
		c.logger.Warn(ctx, "dropping malformed alert message", "subject", msg.Subject, "error", err)
		c.hooks.message("malformed")
		return
	}

	res, err := c.svc.Submit(ctx, al)
	if err != nil {
		c.logger.Error(ctx, err, "failed to submit ingested alert", "alert_id", al.ID)
		c.hooks.message("failed")
		return
	}
	if res.Duplicate {
		c.hooks.message("duplicate")
		return
	}
	c.hooks.message("accepted")
}

// Decode parses and validates one bus payload.
func Decode(data []byte) (*alert.Alert, error) {
	var al alert.Alert
	if err := json.Unmarshal(data, &al); err != nil {
		return nil, err
	}
	if err := al.Validate(); err != nil {
		return nil, err
	}
	return &al, nil
}

func (h Hooks) message(result string) {
	if h.OnMessage != nil {
		h.OnMessage(result)
	}
}
