package server

import (
	"net/http"
	"time"

	"feedbridge/internal/metrics"
	"feedbridge/pkg/feed"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamClient is one chart consumer with its own subscriber id.
type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan feed.Bar
	done chan struct{}
}

// handleStream upgrades to a websocket and pushes live bars of one symbol and resolution
// until the client goes away.
func (s *Server) handleStream(c *gin.Context) {
	info, err := s.svc.Chart.ResolveSymbol(c.Query("symbol"), feed.ParseMetricMode(c.Query("mode")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := feed.Resolution(c.Query("resolution"))
	if res == "" {
		res = feed.DefaultResolution
	}
	if !res.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolution"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &streamClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan feed.Bar, sendBuffer),
		done: make(chan struct{}),
	}
	err = s.svc.Chart.Subscribe(info, res, client.id, func(b feed.Bar) {
		select {
		case client.send <- b:
		case <-client.done:
		default:
			metrics.DropBar("slow_consumer")
		}
	})
	if err != nil {
		s.logger.Warn("chart subscribe failed", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	s.logger.Info("chart client connected", zap.String("subscriber", client.id),
		zap.String("symbol", info.Ticker), zap.String("resolution", string(res)))

	go s.writePump(client)
	s.readPump(client)
}

// readPump only watches for the client going away.
func (s *Server) readPump(client *streamClient) {
	defer func() {
		close(client.done)
		if err := s.svc.Chart.Unsubscribe(client.id); err != nil {
			s.logger.Debug("chart unsubscribe", zap.Error(err))
		}
		client.conn.Close()
		s.logger.Info("chart client disconnected", zap.String("subscriber", client.id))
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("chart client read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) writePump(client *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case <-client.done:
			return
		case bar := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(bar); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
