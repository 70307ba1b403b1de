package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WSChannel is a Channel over a websocket connection. Frames are JSON
// packets of the form {"event": ..., "data": ...}.
type WSChannel struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWS creates a websocket channel for the given server address and
// endpoint path. The address uses http(s) scheme and is rewritten to
// ws(s).
func NewWS(serverAddress, endpointPath string, logger *zap.Logger) (*WSChannel, error) {
	u, err := wsURL(serverAddress, endpointPath)
	if err != nil {
		return nil, err
	}
	return &WSChannel{url: u, logger: logger}, nil
}

// Dial opens the websocket and starts the read pump. The returned
// stream closes when the connection is lost or Close is called.
func (c *WSChannel) Dial(ctx context.Context) (<-chan Packet, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	// Session payloads (image messages in particular) exceed the
	// default read limit.
	conn.SetReadLimit(16 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	ch := make(chan Packet, 64)
	go c.readPump(conn, ch)
	return ch, nil
}

func (c *WSChannel) readPump(conn *websocket.Conn, ch chan<- Packet) {
	defer close(ch)
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.logger.Warn("transport read ended", zap.Error(err))
			return
		}
		var pkt Packet
		if err := json.Unmarshal(data, &pkt); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if pkt.Event == "" {
			c.logger.Warn("dropping frame without event name")
			continue
		}
		ch <- pkt
	}
}

// Emit sends an event-named frame with a JSON payload.
func (c *WSChannel) Emit(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("emit %s: channel not connected", event)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Packet{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write %s frame: %w", event, err)
	}
	return nil
}

// Close tears down the current connection, if any.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closing")
}

func wsURL(serverAddress, endpointPath string) (string, error) {
	u, err := url.Parse(serverAddress)
	if err != nil {
		return "", fmt.Errorf("parse server address: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server address scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + endpointPath
	return u.String(), nil
}
