package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RuntimeArgoWorkflows is the only orchestrator the trigger knows how to run under.
const RuntimeArgoWorkflows = "argo-workflows"

var (
	// ErrMissingEnv is returned when a required environment variable is unset or empty.
	ErrMissingEnv = errors.New("required env var is missing")
	// ErrInvalidEnv is returned when an environment variable is set but unusable.
	ErrInvalidEnv = errors.New("invalid env var")
)

type Service struct {
	URL     string // METAFLOW_SERVICE_URL, http(s) base of the metadata API
	Headers string // METAFLOW_SERVICE_HEADERS, JSON object of header name -> value
}

type Run struct {
	User     string
	FlowName string
	RunID    string
	StepName string
	Runtime  string // METAFLOW_RUNTIME_NAME
}

type Events struct {
	Source        string // METAFLOW_EVENT_SOURCE, http(s) URL or broker URI
	NATSToken     string
	NSQAuthSecret string
}

type Telemetry struct {
	OTLPEndpoint   string
	PushgatewayURL string
}

type Poll struct {
	Timeout        time.Duration // overall budget
	Interval       time.Duration // wait after a 404 or empty result
	RequestTimeout time.Duration // per GET
}

type Config struct {
	AppName   string
	Service   Service
	Run       Run
	Events    Events
	Telemetry Telemetry
	Poll      Poll
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// FromEnv reads the process environment once. Nothing is validated here;
// each command calls the Validate method for the subset it needs.
func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "flowhook"),
		Service: Service{
			URL:     os.Getenv("METAFLOW_SERVICE_URL"),
			Headers: os.Getenv("METAFLOW_SERVICE_HEADERS"),
		},
		Run: Run{
			User:     os.Getenv("METAFLOW_USER"),
			FlowName: os.Getenv("METAFLOW_FLOW_NAME"),
			RunID:    os.Getenv("METAFLOW_RUN_ID"),
			StepName: os.Getenv("METAFLOW_STEP_NAME"),
			Runtime:  os.Getenv("METAFLOW_RUNTIME_NAME"),
		},
		Events: Events{
			Source:        os.Getenv("METAFLOW_EVENT_SOURCE"),
			NATSToken:     os.Getenv("NATS_TOKEN"),
			NSQAuthSecret: getenv("NSQ_AUTH_SECRET", os.Getenv("NATS_TOKEN")),
		},
		Telemetry: Telemetry{
			OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			PushgatewayURL: os.Getenv("PROMETHEUS_PUSHGATEWAY_URL"),
		},
		Poll: Poll{
			Timeout:        getenvDuration("FLOWHOOK_POLL_TIMEOUT", 60*time.Second),
			Interval:       getenvDuration("FLOWHOOK_POLL_INTERVAL", time.Second),
			RequestTimeout: getenvDuration("FLOWHOOK_REQUEST_TIMEOUT", time.Second),
		},
	}
}

// EnrichContext reports whether trigger payloads should carry the derived
// flow/step path specs. Defaults to true.
func EnrichContext() bool {
	return getenvBool("FLOWHOOK_ENRICH_CONTEXT", true)
}

// ValidateReporter checks everything the event logger needs before it
// touches the network.
func (c Config) ValidateReporter() error {
	if c.Service.Headers == "" {
		return fmt.Errorf("%w: METAFLOW_SERVICE_HEADERS", ErrMissingEnv)
	}
	if c.Service.URL == "" {
		return fmt.Errorf("%w: METAFLOW_SERVICE_URL", ErrMissingEnv)
	}
	if !IsHTTPURL(c.Service.URL) {
		return fmt.Errorf("%w: unknown metadata service URL, expecting either http or https: %s", ErrInvalidEnv, c.Service.URL)
	}
	for _, kv := range []struct{ key, val string }{
		{"METAFLOW_USER", c.Run.User},
		{"METAFLOW_FLOW_NAME", c.Run.FlowName},
		{"METAFLOW_RUN_ID", c.Run.RunID},
	} {
		if kv.val == "" {
			return fmt.Errorf("%w: %s", ErrMissingEnv, kv.key)
		}
	}
	return nil
}

// ValidateTrigger checks the runtime and event source the trigger needs.
func (c Config) ValidateTrigger() error {
	if c.Run.Runtime != RuntimeArgoWorkflows {
		return fmt.Errorf("%w: unknown runtime: %q", ErrInvalidEnv, c.Run.Runtime)
	}
	if c.Events.Source == "" {
		return fmt.Errorf("%w: METAFLOW_EVENT_SOURCE", ErrMissingEnv)
	}
	return nil
}

// ServiceHeaders decodes METAFLOW_SERVICE_HEADERS into a fresh map the
// caller may mutate.
func (c Config) ServiceHeaders() (map[string]string, error) {
	headers := make(map[string]string)
	if c.Service.Headers == "" {
		return headers, nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(c.Service.Headers), &raw); err != nil {
		return nil, fmt.Errorf("%w: METAFLOW_SERVICE_HEADERS: %v", ErrInvalidEnv, err)
	}
	for k, v := range raw {
		switch tv := v.(type) {
		case string:
			headers[k] = tv
		case nil:
			// skip
		default:
			headers[k] = fmt.Sprint(tv)
		}
	}
	return headers, nil
}

// IsHTTPURL reports whether s is addressed over http or https.
func IsHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
