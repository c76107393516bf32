package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"iso-builder/internal/protocol"
)

// SessionResponse is returned by the server when a polling session opens.
type SessionResponse struct {
	SID string `json:"sid"`
}

// PollingDialer opens long-polling sessions over plain HTTP.
type PollingDialer struct {
	client *http.Client
	wait   time.Duration
}

// NewPollingDialer returns a dialer. wait is the long-poll hold time the
// server is asked for; the HTTP client timeout is derived from it.
func NewPollingDialer(client *http.Client, wait time.Duration) *PollingDialer {
	if wait <= 0 {
		wait = 25 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: wait + 10*time.Second}
	}
	return &PollingDialer{client: client, wait: wait}
}

// Dial opens a session at ep.Polling.
func (d *PollingDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.Polling.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open polling session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("open polling session: status %d", resp.StatusCode)
	}
	var sess SessionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&sess); err != nil || sess.SID == "" {
		return nil, fmt.Errorf("open polling session: invalid session response")
	}

	closeCtx, cancel := context.WithCancel(context.Background())
	return &PollingConn{
		client:  d.client,
		sid:     sess.SID,
		base:    ep.Polling.JoinPath(url.PathEscape(sess.SID)),
		wait:    d.wait,
		closing: closeCtx,
		cancel:  cancel,
	}, nil
}

// PollingConn is a client-side long-polling session.
type PollingConn struct {
	client *http.Client
	sid    string
	base   *url.URL
	wait   time.Duration

	mu      sync.Mutex
	pending []protocol.Envelope

	closing   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Kind returns KindPolling.
func (p *PollingConn) Kind() Kind { return KindPolling }

// SID returns the session id assigned by the server.
func (p *PollingConn) SID() string { return p.sid }

// Read returns the next buffered envelope, long-polling when none is buffered.
func (p *PollingConn) Read(ctx context.Context) (protocol.Envelope, error) {
	for {
		p.mu.Lock()
		if len(p.pending) > 0 {
			env := p.pending[0]
			p.pending = p.pending[1:]
			p.mu.Unlock()
			return env, nil
		}
		p.mu.Unlock()

		batch, err := p.poll(ctx)
		if err != nil {
			return protocol.Envelope{}, err
		}
		p.mu.Lock()
		p.pending = append(p.pending, batch...)
		p.mu.Unlock()
	}
}

func (p *PollingConn) poll(ctx context.Context) ([]protocol.Envelope, error) {
	reqCtx, cancel := p.requestContext(ctx)
	defer cancel()

	u := *p.base
	q := u.Query()
	q.Set("wait", p.wait.String())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if p.closing.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	case http.StatusGone, http.StatusNotFound:
		return nil, fmt.Errorf("%w: session expired (status %d)", ErrServerClosed, resp.StatusCode)
	default:
		return nil, fmt.Errorf("poll: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read poll body: %w", err)
	}
	batch, _, err := protocol.DecodeBatch(body)
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// Write posts one envelope to the session.
func (p *PollingConn) Write(ctx context.Context, env protocol.Envelope) error {
	if p.closing.Err() != nil {
		return ErrClosed
	}
	body, err := json.Marshal([]protocol.Envelope{env})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	reqCtx, cancel := p.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.base.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: session expired (status %d)", ErrServerClosed, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("send: status %d", resp.StatusCode)
	}
	return nil
}

// Close unblocks pending reads and ends the session on the server in the
// background. It does not wait for the server to answer.
func (p *PollingConn) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		go p.release()
	})
	return nil
}

// release sends the session DELETE. Failures are ignored; the server drops
// idle sessions on its own.
func (p *PollingConn) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.base.String(), nil)
	if err != nil {
		return
	}
	if resp, err := p.client.Do(req); err == nil {
		resp.Body.Close()
	}
}

// requestContext derives a context cancelled by either ctx or Close.
func (p *PollingConn) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.closing, cancel)
	return reqCtx, func() {
		stop()
		cancel()
	}
}
