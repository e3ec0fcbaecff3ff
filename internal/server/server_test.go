package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"feedbridge/config"
	"feedbridge/internal/feed/memorystore"
	"feedbridge/internal/feed/service"
	"feedbridge/pkg/feed"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrigin serves the upstream channel and history endpoints.
func fakeOrigin(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env feed.Envelope
			if json.Unmarshal(msg, &env) != nil {
				continue
			}
			switch env.Event {
			case feed.EventSubscribeTokens:
				_ = conn.WriteMessage(websocket.TextMessage, feed.MustEncode(feed.EventTokenUpdate, feed.TokenUpdate{
					Tokens: []map[string]any{{"address": "mint1", "symbol": "ONE", "decimals": 9}},
				}))
			case feed.EventSubscribeChart:
				var p feed.SubscribeChartParams
				_ = json.Unmarshal(env.Data, &p)
				_ = conn.WriteMessage(websocket.TextMessage, feed.MustEncode(feed.EventChartUpdate, feed.ChartUpdate{
					Identifier: p.Identifier, Timeframe: p.Timeframe,
					Bar: feed.WireBar{Time: 120, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
				}))
			}
		}
	})
	mux.HandleFunc("/api/v1/chart/history", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]feed.WireBar{{Time: 60, Open: 1, High: 1, Low: 1, Close: 1, Volume: 3}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) (*httptest.Server, *service.Service) {
	origin := fakeOrigin(t)
	t.Setenv("FEEDBRIDGE_API_ORIGIN", origin.URL)
	t.Setenv("FEEDBRIDGE_CHART_DEBOUNCE_INTERVAL", "1m")
	cfg, err := config.Load("")
	require.NoError(t, err)

	svc, err := service.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	srv := httptest.NewServer(New(":0", svc, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, svc
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// go test -v --run TestTokensAndHealth
func TestTokensAndHealth(t *testing.T) {
	srv, svc := newTestServer(t)
	require.Eventually(t, func() bool {
		return len(svc.Tokens.Displayed()) == 1 && svc.Assets.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	var tokens struct {
		Tokens []feed.Asset `json:"tokens"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/tokens", &tokens))
	require.Len(t, tokens.Tokens, 1)
	assert.Equal(t, "ONE", tokens.Tokens[0].Symbol)

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])
	cache, ok := health["cache"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), cache["assets"])
	assert.Equal(t, float64(0), cache["bars"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "feedbridge_connection_state")
}

// go test -v --run TestSettingsRoutes
func TestSettingsRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	var cs memorystore.ChartSettings
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/settings?scope=u1", &cs))
	assert.Equal(t, feed.DefaultResolution, cs.Resolution)

	put := func(body string) int {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/settings", bytes.NewBufferString(body))
		req.Header.Set("X-Session-Id", "u1")
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, put(`{"resolution":"60","marketCapMode":true}`))
	assert.Equal(t, http.StatusBadRequest, put(`{"resolution":"7"}`))
	assert.Equal(t, http.StatusBadRequest, put(`not json`))

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/settings?scope=u1", &cs))
	assert.Equal(t, feed.Resolution60Min, cs.Resolution)
	assert.True(t, cs.MarketCapMode)
}

// go test -v --run TestDataSourceRoutes
func TestDataSourceRoutes(t *testing.T) {
	srv, svc := newTestServer(t)
	require.Eventually(t, func() bool { return svc.Assets.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	var cfg map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/udf/config", &cfg))
	assert.NotEmpty(t, cfg["supported_resolutions"])

	var info map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/udf/symbols?symbol=mint1", &info))
	assert.Equal(t, "ONE", info["name"])
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/udf/symbols", nil))

	var hist historyResponse
	url := srv.URL + "/udf/history?symbol=mint1&resolution=1&from=0&to=600"
	assert.Equal(t, http.StatusOK, getJSON(t, url, &hist))
	assert.Equal(t, "ok", hist.Status)
	assert.Equal(t, []int64{60}, hist.Time)
	assert.Equal(t, []float64{3}, hist.Volume)

	// repeated within the debounce window
	assert.Equal(t, http.StatusOK, getJSON(t, url, &hist))
	assert.Equal(t, "no_data", hist.Status)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/udf/history?symbol=mint1&resolution=7&from=0&to=1", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/udf/history?symbol=mint1&resolution=1&from=x", nil))
}

// go test -v --run TestBarStream
func TestBarStream(t *testing.T) {
	srv, svc := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/udf/stream?symbol=mint1&resolution=5"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var bar feed.Bar
	require.NoError(t, conn.ReadJSON(&bar))
	assert.Equal(t, int64(120_000), bar.Time)
	assert.Equal(t, 1.5, bar.Close)
	assert.Equal(t, 1, svc.Chart.Subscribers())

	conn.Close()
	require.Eventually(t, func() bool { return svc.Chart.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, svc.Manager.Stats(), 1, "only the token channel stays open")

	resp, err := http.Get(srv.URL + "/udf/stream?symbol=mint1&resolution=7")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
