package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vitwit/paygate/logger"
)

const DefaultSubjectPrefix = "paygate.redemptions"

// NATSPublisher publishes redemptions on "<prefix>.<network>.<service>".
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	log    logger.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher connects to url. The connection reconnects forever; events
// published while disconnected are buffered by the client library.
func NewNATSPublisher(url, prefix string, timeout time.Duration, log logger.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	conn, err := nats.Connect(url,
		nats.Name("paygate"),
		nats.Timeout(timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			fields := map[string]any{}
			if err != nil {
				fields["error"] = err.Error()
			}
			log.Warn("nats disconnected", fields)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", map[string]any{"url": nc.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSPublisher{conn: conn, prefix: prefix, log: log}, nil
}

// Subject returns the subject a redemption is published on.
func Subject(prefix string, r Redemption) string {
	return fmt.Sprintf("%s.%s.%s", prefix, token(r.Network), token(r.ServiceID))
}

// token makes s safe as a single NATS subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

func (p *NATSPublisher) PublishRedemption(ctx context.Context, r Redemption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode redemption: %w", err)
	}
	subject := Subject(p.prefix, r)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.log.Debug("published redemption", map[string]any{"subject": subject, "txHash": r.TxHash})
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
