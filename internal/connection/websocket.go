package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures a WebSocketTransport.
type WebSocketConfig struct {
	WriteTimeout time.Duration // Fallback write deadline when the send context has none
	ReadLimit    int64         // Max inbound message size (0 = unlimited)
	Header       http.Header   // Extra handshake headers
}

// DefaultWebSocketConfig returns sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout: DefaultWriteTimeout,
		ReadLimit:    16 << 20,
	}
}

// WebSocketTransport dials ws:// and wss:// targets with gorilla/websocket.
type WebSocketTransport struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(cfg WebSocketConfig, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &WebSocketTransport{
		cfg: cfg,
		// The handshake deadline comes from the Open context.
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 0,
		},
		logger: logger,
	}
}

// Open performs the WebSocket handshake. A non-101 response is reported with
// its HTTP status.
func (t *WebSocketTransport) Open(ctx context.Context, target Target) (Channel, error) {
	header := http.Header{}
	for k, v := range t.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Accept", "application/json")
	if target.Token != "" {
		header.Set("Authorization", "Bearer "+target.Token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, target.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected (%s): %w", resp.Status, err)
		}
		return nil, err
	}
	if t.cfg.ReadLimit > 0 {
		conn.SetReadLimit(t.cfg.ReadLimit)
	}

	ch := &wsChannel{
		conn:         conn,
		writeTimeout: t.cfg.WriteTimeout,
	}

	// Server sends ping, we respond with pong.
	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	t.logger.Debug("websocket connected", "url", target.URL)
	return ch, nil
}

// wsChannel adapts a *websocket.Conn to Channel.
type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	// Write serialization
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Send writes a text message.
func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Receive reads the next data message. gorilla reads are not context-aware;
// Close unblocks a pending Receive.
func (c *wsChannel) Receive(_ context.Context) ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close sends a normal-closure frame and closes the socket.
func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		// WriteControl may run concurrently with WriteMessage.
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
