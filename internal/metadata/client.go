package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/flowhook/internal/events"
	"github.com/austindbirch/flowhook/internal/logging"
	"github.com/austindbirch/flowhook/internal/metrics"
	"github.com/austindbirch/flowhook/internal/tracing"
)

// EventTriggerField is the metadata field name (and type) the trigger records are stored under.
const EventTriggerField = "event_trigger"

const (
	defaultRequestTimeout = time.Second
	defaultPollInterval   = time.Second
	defaultPollTimeout    = 60 * time.Second
)

var (
	ErrPollTimeout      = errors.New("timed out waiting for start step metadata")
	ErrUnexpectedStatus = errors.New("unexpected status from metadata service")
)

// StatusError carries the HTTP status behind ErrUnexpectedStatus.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v: %d", e.Op, ErrUnexpectedStatus, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Client talks to the metadata service.
type Client struct {
	BaseURL string
	// Headers are sent on every request; the client copies them and never
	// modifies the caller's map.
	Headers    map[string]string
	HTTPClient *http.Client

	RequestTimeout time.Duration // per GET while polling
	PollInterval   time.Duration // wait after a 404 or an empty task list
	PollTimeout    time.Duration // overall budget from the first attempt

	Logger *logging.Logger
}

// NewClient returns a client with the default 1s request timeout, 1s poll
// interval and 60s budget.
func NewClient(baseURL string, headers map[string]string) *Client {
	return &Client{
		BaseURL:        strings.TrimSuffix(baseURL, "/"),
		Headers:        headers,
		HTTPClient:     &http.Client{},
		RequestTimeout: defaultRequestTimeout,
		PollInterval:   defaultPollInterval,
		PollTimeout:    defaultPollTimeout,
	}
}

func (c *Client) logger() *logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.Default()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	tracing.InjectHTTP(ctx, req.Header)
	return req, nil
}

type taskRef struct {
	TaskID json.RawMessage `json:"task_id"`
}

// pollOutcome is the result of one GET against the step's task list.
type pollOutcome int

const (
	outcomeFound pollOutcome = iota
	outcomeNotFound
	outcomeEmpty
	outcomeTimeout
)

func (o pollOutcome) String() string {
	switch o {
	case outcomeFound:
		return "found"
	case outcomeNotFound:
		return "not_found"
	case outcomeEmpty:
		return "empty"
	case outcomeTimeout:
		return "timeout"
	}
	return "error"
}

// StartTaskID polls the task list of the run's start step until the
// metadata service reports at least one task, and returns the first task's
// id. 404s and empty lists wait PollInterval before retrying; a request that
// exceeds RequestTimeout is retried immediately; any other status fails at
// once. ErrPollTimeout is returned once PollTimeout has elapsed.
func (c *Client) StartTaskID(ctx context.Context, flow, run string) (string, error) {
	url := BuildRoute(c.BaseURL, Route{Flow: flow, Run: run, Step: StartStep})

	ctx, span := tracing.StartSpan(ctx, "metadata.start_task_id",
		attribute.String("flow_name", flow),
		attribute.String("run_id", run),
		attribute.String("url", url),
	)
	defer span.End()

	taskID, err := c.pollTaskID(ctx, url)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	span.SetAttributes(attribute.String("task_id", taskID))
	return taskID, nil
}

func (c *Client) pollTaskID(ctx context.Context, url string) (string, error) {
	interval := orDefault(c.PollInterval, defaultPollInterval)
	budget := orDefault(c.PollTimeout, defaultPollTimeout)

	start := time.Now()
	deadline := start.Add(budget)
	defer func() { metrics.ObservePollDuration(time.Since(start)) }()

	for attempt := 1; time.Now().Before(deadline); attempt++ {
		taskID, outcome, err := c.getTaskID(ctx, url)
		metrics.RecordPollAttempt(outcome.String())
		if err != nil {
			return "", err
		}

		switch outcome {
		case outcomeFound:
			return taskID, nil
		case outcomeTimeout:
			tracing.AddSpanEvent(ctx, "poll.request_timeout", attribute.Int("attempt", attempt))
			continue
		}

		tracing.AddSpanEvent(ctx, "poll.retry",
			attribute.Int("attempt", attempt),
			attribute.String("outcome", outcome.String()),
		)
		c.logger().WithContext(ctx).WithFields(map[string]any{
			"attempt": attempt,
			"outcome": outcome.String(),
		}).Debug("start task not visible yet")

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", fmt.Errorf("%w: exceeded %s", ErrPollTimeout, budget)
}

// getTaskID performs a single lookup. err is only set for terminal failures.
func (c *Client) getTaskID(ctx context.Context, url string) (string, pollOutcome, error) {
	if err := ctx.Err(); err != nil {
		return "", -1, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, orDefault(c.RequestTimeout, defaultRequestTimeout))
	defer cancel()

	req, err := c.newRequest(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", -1, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return "", outcomeTimeout, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", -1, ctxErr
		}
		return "", -1, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", outcomeNotFound, nil
	case http.StatusOK:
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", -1, &StatusError{Op: "get start step tasks", Status: resp.StatusCode}
	}

	var tasks []taskRef
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return "", outcomeTimeout, nil
		}
		return "", -1, fmt.Errorf("decode start step tasks: %w", err)
	}
	if len(tasks) == 0 {
		return "", outcomeEmpty, nil
	}

	taskID, err := rawTaskID(tasks[0].TaskID)
	if err != nil {
		return "", -1, err
	}
	return taskID, outcomeFound, nil
}

// rawTaskID accepts the id as either a JSON string or a JSON number.
func rawTaskID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("start step task has no task_id")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("task_id %s is neither a string nor a number", raw)
	}
	return n.String(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// fieldRequest is the body the metadata service expects when a field is attached to a task.
type fieldRequest struct {
	FieldName string `json:"field_name"`
	Value     string `json:"value"`
	Type      string `json:"type"`
	User      string `json:"user"`
}

// AttachEventTrigger stores records on the task as the event_trigger field.
// Any status of 400 or above is returned as an error.
func (c *Client) AttachEventTrigger(ctx context.Context, r Route, user string, records []events.Record) error {
	url := BuildRoute(c.BaseURL, r)

	ctx, span := tracing.StartSpan(ctx, "metadata.attach_event_trigger",
		attribute.String("url", url),
		attribute.Int("events", len(records)),
	)
	defer span.End()

	value, err := events.EncodeRecords(records)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("encode events: %w", err)
	}
	body, err := json.Marshal(fieldRequest{
		FieldName: EventTriggerField,
		Value:     value,
		Type:      EventTriggerField,
		User:      user,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		metrics.RecordMetadataWrite("error")
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("post %s: %w", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		metrics.RecordMetadataWrite("failed")
		err := &StatusError{Op: "attach event_trigger", Status: resp.StatusCode}
		tracing.SetSpanError(ctx, err)
		return err
	}
	metrics.RecordMetadataWrite("ok")
	return nil
}
