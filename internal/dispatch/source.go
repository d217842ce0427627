package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/austindbirch/flowhook/internal/config"
)

// Transport identifies how an event leaves the process.
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportNATS Transport = "nats"
	TransportNSQ  Transport = "nsq"
)

var ErrInvalidSource = errors.New("invalid event source")

// Destination is a parsed METAFLOW_EVENT_SOURCE.
type Destination struct {
	Transport Transport
	// URL is the endpoint for HTTP, or the broker URL for NATS (nats://host).
	URL string
	// Host is the broker address as it appeared in the source.
	Host string
	// Topic is the subject or topic for broker transports.
	Topic string
}

func (d Destination) String() string {
	if d.Transport == TransportHTTP {
		return d.URL
	}
	return fmt.Sprintf("%s %s/%s", d.Transport, d.Host, d.Topic)
}

// ParseSource decides where an event goes. http:// and https:// sources are
// posted to as-is. Anything else is a broker URI "<scheme>//<host>/.../<topic>":
// the third slash-separated segment is the host and the last is the topic.
// The nsq: scheme selects NSQ; every other scheme is treated as NATS.
func ParseSource(src string) (Destination, error) {
	if config.IsHTTPURL(src) {
		return Destination{Transport: TransportHTTP, URL: src}, nil
	}

	chunks := strings.Split(src, "/")
	if len(chunks) < 4 {
		return Destination{}, fmt.Errorf("%w: %q: expected <scheme>://<host>/<topic>", ErrInvalidSource, src)
	}
	host := chunks[2]
	topic := chunks[len(chunks)-1]
	if host == "" || topic == "" {
		return Destination{}, fmt.Errorf("%w: %q: missing host or topic", ErrInvalidSource, src)
	}

	if strings.EqualFold(chunks[0], "nsq:") {
		return Destination{Transport: TransportNSQ, URL: host, Host: host, Topic: topic}, nil
	}
	return Destination{Transport: TransportNATS, URL: "nats://" + host, Host: host, Topic: topic}, nil
}
