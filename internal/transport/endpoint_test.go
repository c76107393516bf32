package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEndpoint(t *testing.T) {
	cases := []struct {
		name     string
		override string
		origin   string
		ws       string
		poll     string
		secure   bool
	}{
		{
			name:   "plain origin",
			origin: "http://localhost:8080",
			ws:     "ws://localhost:8080/sync/ws",
			poll:   "http://localhost:8080/sync/poll",
		},
		{
			name:   "secure origin",
			origin: "https://builder.example.org/",
			ws:     "wss://builder.example.org/sync/ws",
			poll:   "https://builder.example.org/sync/poll",
			secure: true,
		},
		{
			name:     "override wins",
			override: "wss://sync.example.org/prefix/sync/ws",
			origin:   "http://localhost:8080",
			ws:       "wss://sync.example.org/prefix/sync/ws",
			poll:     "https://sync.example.org/prefix/sync/poll",
			secure:   true,
		},
		{
			name:     "override with polling path",
			override: "http://10.0.0.5:9000/sync/poll",
			ws:       "ws://10.0.0.5:9000/sync/ws",
			poll:     "http://10.0.0.5:9000/sync/poll",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ep, err := ResolveEndpoint(tc.override, tc.origin)
			require.NoError(t, err)
			assert.Equal(t, tc.ws, ep.WebSocket.String())
			assert.Equal(t, tc.poll, ep.Polling.String())
			assert.Equal(t, tc.secure, ep.Secure)
			assert.Equal(t, ep.Polling, ep.URL(KindPolling))
			assert.Equal(t, ep.WebSocket, ep.URL(KindWebSocket))
		})
	}
}

func TestResolveEndpointErrors(t *testing.T) {
	_, err := ResolveEndpoint("", "  ")
	assert.ErrorIs(t, err, ErrNoEndpoint)

	_, err = ResolveEndpoint("ftp://example.org", "")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	_, err = ResolveEndpoint("just-a-host", "")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}
