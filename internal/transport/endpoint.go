package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Paths served by the sync endpoint.
const (
	WebSocketPath = "/sync/ws"
	PollingPath   = "/sync/poll"
)

var (
	// ErrNoEndpoint is returned when neither an override nor an origin is set.
	ErrNoEndpoint = errors.New("no sync endpoint configured")

	// ErrInvalidEndpoint is returned for URLs that cannot host the sync endpoint.
	ErrInvalidEndpoint = errors.New("invalid sync endpoint")
)

// Endpoint holds the concrete URLs for both transports.
type Endpoint struct {
	WebSocket *url.URL
	Polling   *url.URL
	Secure    bool
}

// ResolveEndpoint selects the endpoint from an explicit override, else from
// the origin the client was loaded from. A secure origin (https or wss)
// yields wss and https URLs.
func ResolveEndpoint(override, origin string) (Endpoint, error) {
	raw := strings.TrimSpace(override)
	if raw == "" {
		raw = strings.TrimSpace(origin)
	}
	if raw == "" {
		return Endpoint{}, ErrNoEndpoint
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
	}

	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		secure = true
	case "http", "ws":
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}

	prefix := strings.TrimRight(u.Path, "/")
	prefix = strings.TrimSuffix(prefix, WebSocketPath)
	prefix = strings.TrimSuffix(prefix, PollingPath)

	ep := Endpoint{
		WebSocket: &url.URL{Scheme: "ws", Host: u.Host, Path: prefix + WebSocketPath},
		Polling:   &url.URL{Scheme: "http", Host: u.Host, Path: prefix + PollingPath},
		Secure:    secure,
	}
	if secure {
		ep.WebSocket.Scheme = "wss"
		ep.Polling.Scheme = "https"
	}
	return ep, nil
}

// URL returns the URL for the given transport kind.
func (e Endpoint) URL(kind Kind) *url.URL {
	if kind == KindPolling {
		return e.Polling
	}
	return e.WebSocket
}
