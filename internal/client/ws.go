package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codepair/backend/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

// WSChannelConfig configures the websocket transport toward the registry.
type WSChannelConfig struct {
	// URL is the full channel endpoint, e.g.
	// ws://host/sessions/{id}/ws?token={token}.
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// WSChannel is the gorilla/websocket implementation of Channel. Sends are
// serialized; inbound traffic is pumped into a Machine by Listen.
type WSChannel struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	writeMu sync.Mutex
}

// DialChannel connects to the channel endpoint.
func DialChannel(ctx context.Context, cfg WSChannelConfig) (*WSChannel, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, response, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, err
	}
	if response != nil && response.Body != nil {
		response.Body.Close() //nolint:errcheck
	}
	return &WSChannel{conn: conn, logger: logger}, nil
}

// Send transmits one envelope toward the registry.
func (c *WSChannel) Send(envelope session.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(envelope)
}

// Listen pumps inbound envelopes into the machine until the connection or
// the context ends. Listener detachment happens here exactly once; callers
// re-dial and re-join to reconnect.
func (c *WSChannel) Listen(ctx context.Context, machine *Machine) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close() //nolint:errcheck
		case <-done:
		}
	}()

	for {
		var envelope session.Envelope
		if err := c.conn.ReadJSON(&envelope); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		machine.HandleEvent(envelope)
	}
}

// Close tears the transport down.
func (c *WSChannel) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
	return c.conn.Close()
}
