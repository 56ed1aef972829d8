// Package client is a WebSocket client for the session server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"idlecode/internal/protocol"
	"idlecode/internal/session"
)

const (
	writeDeadline  = 10 * time.Second
	messagesBuffer = 256
)

// ErrClosed is returned by Send after the connection has gone away.
var ErrClosed = errors.New("client: connection closed")

// Client is one WebSocket connection. Incoming messages are delivered on
// Messages until the connection ends, after which the channel is closed and
// Err reports why.
type Client struct {
	conn     *websocket.Conn
	messages chan *protocol.Message
	log      *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool
}

// WSURL turns a server address into the WebSocket endpoint URL. addr may be
// host:port or an http, https, ws or wss URL.
func WSURL(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("empty server address")
	}
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wsURL, err := WSURL(addr)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Client{
		conn:     conn,
		messages: make(chan *protocol.Message, messagesBuffer),
		log:      logger,
	}
	go c.readLoop()
	return c, nil
}

// Messages returns the channel of server messages.
func (c *Client) Messages() <-chan *protocol.Message {
	return c.messages
}

// Send writes one message to the server.
func (c *Client) Send(msgType string, payload interface{}) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// Close sends a close frame and shuts the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeDeadline))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Err returns the error that ended the connection, or nil while it is open
// or after a normal close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.messages)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.err = err
			}
			c.closed = true
			c.mu.Unlock()
			c.conn.Close()
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("discarding malformed server message", "error", err)
			continue
		}
		c.messages <- &msg
	}
}

// ListSessions asks for the session listing and waits for the reply.
func (c *Client) ListSessions(ctx context.Context) ([]session.Info, error) {
	if err := c.Send(protocol.TypeSessionList, struct{}{}); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-c.messages:
			if !ok {
				if err := c.Err(); err != nil {
					return nil, err
				}
				return nil, ErrClosed
			}
			if msg.Type != protocol.TypeSessionList {
				continue
			}
			var p protocol.SessionListPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
			}
			return p.Sessions, nil
		}
	}
}
