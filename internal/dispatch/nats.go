package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// brokerConn is a connected publisher that must be closed to flush.
type brokerConn interface {
	Publish(ctx context.Context, topic string, body []byte, headers map[string]string) error
	// Close flushes anything still buffered and releases the connection.
	Close(ctx context.Context) error
}

// NATSPublisher publishes to a NATS subject, authenticating with a token.
// Each Send opens its own connection and drains it before returning.
type NATSPublisher struct {
	Token          string
	ConnectTimeout time.Duration
	Name           string

	dial func(ctx context.Context, url string) (brokerConn, error)
}

func NewNATSPublisher(token string) *NATSPublisher {
	return &NATSPublisher{Token: token, ConnectTimeout: 5 * time.Second, Name: "flowhook-trigger"}
}

func (p *NATSPublisher) Send(ctx context.Context, dest Destination, body []byte) error {
	dial := p.dial
	if dial == nil {
		dial = p.connect
	}

	conn, err := dial(ctx, dest.URL)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", dest.URL, err)
	}
	if err := conn.Publish(ctx, dest.Topic, body, traceHeaders(ctx)); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("nats publish %s: %w", dest.Topic, err)
	}
	if err := conn.Close(ctx); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

func (p *NATSPublisher) connect(ctx context.Context, url string) (brokerConn, error) {
	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name(p.Name),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	}
	if p.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(p.ConnectTimeout))
	}
	if p.Token != "" {
		opts = append(opts, nats.Token(p.Token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &natsConn{nc: nc, closed: closed}, nil
}

type natsConn struct {
	nc     *nats.Conn
	closed chan struct{}
}

func (c *natsConn) Publish(_ context.Context, topic string, body []byte, headers map[string]string) error {
	msg := nats.NewMsg(topic)
	msg.Data = body
	if len(headers) > 0 && c.nc.HeadersSupported() {
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}
	return c.nc.PublishMsg(msg)
}

// Close drains the connection and waits for the closed callback.
func (c *natsConn) Close(ctx context.Context) error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		c.nc.Close()
		return ctx.Err()
	}
}
