package feed

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("websocket not connected")

// WSDialer opens websocket connections to the upstream channel endpoint.
type WSDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration // 0 disables keepalive pings
	Logger           *zap.Logger
}

// WSClient is one live websocket connection. Send is safe for concurrent use;
// Read must be called from a single goroutine.
type WSClient struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	pingInterval time.Duration
	done         chan struct{}
	closeOnce    sync.Once
	logger       *zap.Logger
}

// Dial establishes the connection. It does not send any subscription.
func (d *WSDialer) Dial(ctx context.Context) (*WSClient, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, err
	}

	c := &WSClient{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
		pingInterval: d.PingInterval,
		done:         make(chan struct{}),
		logger:       logger,
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = 5 * time.Second
	}

	if c.pingInterval > 0 {
		// a missing pong lets the read deadline expire, which surfaces as a read error
		_ = conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		})
		go c.heartbeat()
	}

	logger.Debug("websocket connected", zap.String("url", d.URL))
	return c, nil
}

// Send writes one text frame.
func (c *WSClient) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Read blocks for the next data frame.
func (c *WSClient) Read() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.pingInterval > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
	}
	return msg, nil
}

// Close sends a normal close frame and closes the socket. It is idempotent.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) heartbeat() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", zap.Error(err))
			}
		}
	}
}
