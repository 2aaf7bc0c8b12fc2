package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/beamdrop/pkg/protocol"
)

// ErrClosed is returned by Send after the connection has shut down.
var ErrClosed = errors.New("signaling connection closed")

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Conn is a client connection to the signaling server.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan protocol.Envelope
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
	writeMu  sync.Mutex
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// JoinURL builds the /ws URL for serverURL. http and https map to ws and wss;
// a bare host is treated as http.
func JoinURL(serverURL, joinCode, peerID string) (string, error) {
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("join_code", joinCode)
	q.Set("peer_id", peerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial establishes a WebSocket connection to wsURL.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return nil, upgradeError(resp.StatusCode, body)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan protocol.Envelope, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// UpgradeError carries the server's refusal of a WebSocket upgrade.
type UpgradeError struct {
	StatusCode int
	Message    string
}

func (e *UpgradeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("websocket upgrade failed (%d)", e.StatusCode)
	}
	return fmt.Sprintf("websocket upgrade failed (%d): %s", e.StatusCode, e.Message)
}

func upgradeError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &UpgradeError{StatusCode: status, Message: msg}
}

// ReadLoop delivers each inbound envelope to onEnv until the connection
// closes or ctx is cancelled.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()
	go c.pingLoop(ctx)

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		onEnv(env)
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send queues env for the writer goroutine.
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}
	select {
	case c.sendChan <- env:
		return nil
	case <-c.quit:
		return ErrClosed
	}
}

// SendTo builds an envelope of msgType addressed to peer and queues it.
func (c *Conn) SendTo(peer, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return err
	}
	env.To = peer
	return c.Send(env)
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case env := <-c.sendChan:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteJSON(env)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Error("websocket write error", "error", err)
				c.once.Do(func() { close(c.quit) })
				return
			}
		}
	}
}

// Close flushes queued envelopes, sends a close frame and closes the socket.
func (c *Conn) Close() error {
	deadline := time.Now().Add(time.Second)
	for len(c.sendChan) > 0 && time.Now().Before(deadline) {
		select {
		case <-c.done:
			deadline = time.Now()
		case <-time.After(10 * time.Millisecond):
		}
	}
	c.once.Do(func() { close(c.quit) })
	<-c.done

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
