package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/flowhook/internal/logging"
	"github.com/austindbirch/flowhook/internal/metrics"
	"github.com/austindbirch/flowhook/internal/tracing"
)

// Sender delivers a serialized payload to one kind of destination.
type Sender interface {
	Send(ctx context.Context, dest Destination, body []byte) error
}

// Result is the outcome of a single dispatch. Failures are reported here
// rather than returned so the caller can still run its exit path.
type Result struct {
	Transport Transport
	Err       error
}

func (r Result) OK() bool { return r.Err == nil }

// ExitCode is 0 on success and 1 on any dispatch failure.
func (r Result) ExitCode() int {
	if r.Err != nil {
		return 1
	}
	return 0
}

// Dispatcher routes a payload to the sender for its transport.
type Dispatcher struct {
	HTTP   Sender
	NATS   Sender
	NSQ    Sender
	Logger *logging.Logger
}

func (d *Dispatcher) logger() *logging.Logger {
	if d.Logger == nil {
		return logging.Default()
	}
	return d.Logger
}

func (d *Dispatcher) sender(t Transport) Sender {
	switch t {
	case TransportHTTP:
		return d.HTTP
	case TransportNATS:
		return d.NATS
	case TransportNSQ:
		return d.NSQ
	}
	return nil
}

// Dispatch sends payload to dest. It never panics on delivery errors;
// every failure ends up in Result.Err.
func (d *Dispatcher) Dispatch(ctx context.Context, dest Destination, payload []byte) Result {
	ctx, span := tracing.StartSpan(ctx, "dispatch.send",
		attribute.String("dispatch.transport", string(dest.Transport)),
		attribute.String("dispatch.destination", dest.String()),
	)
	defer span.End()

	// entries are mutable, so each line gets its own
	log := func() *logging.LogEntry {
		return d.logger().WithContext(ctx).
			WithField("transport", string(dest.Transport)).
			WithField("destination", dest.String())
	}
	log().WithField("payload", string(payload)).Info("Dispatching event")

	res := Result{Transport: dest.Transport}
	start := time.Now()

	s := d.sender(dest.Transport)
	if s == nil {
		res.Err = fmt.Errorf("%w: no sender for transport %q", ErrInvalidSource, dest.Transport)
	} else {
		res.Err = s.Send(ctx, dest, payload)
	}

	result := "ok"
	if res.Err != nil {
		result = "failed"
		tracing.SetSpanError(ctx, res.Err)
		log().WithError(res.Err).Error("Event dispatch failed")
	} else {
		log().Info("Event dispatched")
	}
	metrics.RecordDispatch(string(dest.Transport), result, time.Since(start))
	return res
}

func traceHeaders(ctx context.Context) map[string]string {
	return tracing.PropagateToMessage(ctx)
}
