package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/flowhook/internal/logging"
)

type nsqProducer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQPublisher publishes to an nsqd topic.
type NSQPublisher struct {
	AuthSecret string
	Logger     *logging.Logger

	newProducer func(addr string, cfg *nsq.Config) (nsqProducer, error)
}

func NewNSQPublisher(authSecret string, logger *logging.Logger) *NSQPublisher {
	return &NSQPublisher{AuthSecret: authSecret, Logger: logger}
}

// Send publishes synchronously; go-nsq has no context support, so ctx is
// only checked before connecting.
func (p *NSQPublisher) Send(ctx context.Context, dest Destination, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg := nsq.NewConfig()
	if p.AuthSecret != "" {
		cfg.AuthSecret = p.AuthSecret
	}

	newProducer := p.newProducer
	if newProducer == nil {
		newProducer = p.defaultProducer
	}
	prod, err := newProducer(dest.Host, cfg)
	if err != nil {
		return fmt.Errorf("nsq producer %s: %w", dest.Host, err)
	}
	defer prod.Stop()

	if err := prod.Publish(dest.Topic, body); err != nil {
		return fmt.Errorf("nsq publish %s: %w", dest.Topic, err)
	}
	return nil
}

func (p *NSQPublisher) defaultProducer(addr string, cfg *nsq.Config) (nsqProducer, error) {
	prod, err := nsq.NewProducer(addr, cfg)
	if err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = logging.Default()
	}
	prod.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)
	return prod, nil
}

// nsqLogger routes go-nsq's line logger into the structured logger.
type nsqLogger struct {
	l *logging.Logger
}

func (n nsqLogger) Output(_ int, s string) error {
	n.l.Plain().WithField("component", "nsq").Warn(strings.TrimSpace(s))
	return nil
}
