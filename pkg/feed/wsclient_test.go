package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWSServer echoes every text frame back to the client.
func mockWSServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// go test -v --run TestWSClientSendRead
func TestWSClientSendRead(t *testing.T) {
	srv := mockWSServer(t)
	dialer := &WSDialer{URL: wsURL(srv), HandshakeTimeout: time.Second, PingInterval: time.Second}

	client, err := dialer.Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Send(MustEncode(EventSubscribeTokens, SubscribeTokensParams{Limit: 10})))
	msg, err := client.Read()
	require.NoError(t, err)
	assert.Contains(t, string(msg), EventSubscribeTokens)

	require.NoError(t, client.Send([]byte(`{"event":"ping"}`)))
	_, err = client.Read()
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.NoError(t, client.Close(), "close is idempotent")
	assert.ErrorIs(t, client.Send([]byte("x")), ErrNotConnected)
}

// go test -v --run TestWSDialFailure
func TestWSDialFailure(t *testing.T) {
	dialer := &WSDialer{URL: "ws://127.0.0.1:1/ws", HandshakeTimeout: 200 * time.Millisecond}
	_, err := dialer.Dial(context.Background())
	assert.Error(t, err)
}

// pingServer reads frames and records pings. When pong is false it swallows them.
func pingServer(t *testing.T, pings *atomic.Int32, pong bool) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(data string) error {
			pings.Add(1)
			if !pong {
				return nil
			}
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// go test -v --run TestWSHeartbeat
func TestWSHeartbeat(t *testing.T) {
	var pings atomic.Int32
	srv := pingServer(t, &pings, true)
	dialer := &WSDialer{URL: wsURL(srv), PingInterval: 50 * time.Millisecond}

	client, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	defer client.Close()

	assert.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

// go test -v --run TestWSMissingPongFailsRead
func TestWSMissingPongFailsRead(t *testing.T) {
	var pings atomic.Int32
	srv := pingServer(t, &pings, false)
	dialer := &WSDialer{URL: wsURL(srv), PingInterval: 50 * time.Millisecond}

	client, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	defer client.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := client.Read()
		errc <- err
	}()

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not fail without pongs")
	}
}
