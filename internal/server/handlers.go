package server

import (
	"errors"
	"net/http"
	"strconv"

	"feedbridge/internal/feed/chart"
	"feedbridge/internal/feed/memorystore"
	"feedbridge/pkg/feed"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) getHealth(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if !s.svc.Healthy(c.Request.Context()) {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   status,
		"channels": s.svc.Manager.Stats(),
		"buffer":   s.svc.Tokens.Stats(),
		"cache": gin.H{
			"assets": s.svc.Assets.Len(),
			"bars":   s.svc.Bars.CountAll(),
		},
	})
}

func (s *Server) getTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tokens": s.svc.Tokens.Displayed(),
		"stats":  s.svc.Tokens.Stats(),
	})
}

// scope identifies whose settings are read or written.
func scope(c *gin.Context) string {
	if v := c.Query("scope"); v != "" {
		return v
	}
	if v := c.GetHeader("X-Session-Id"); v != "" {
		return v
	}
	return defaultScope
}

func (s *Server) getSettings(c *gin.Context) {
	cs, err := s.svc.Chart.Settings(c.Request.Context(), scope(c))
	if err != nil {
		s.logger.Warn("failed to load chart settings", zap.Error(err))
	}
	c.JSON(http.StatusOK, cs)
}

func (s *Server) putSettings(c *gin.Context) {
	var cs memorystore.ChartSettings
	if err := c.ShouldBindJSON(&cs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.Chart.SaveSettings(c.Request.Context(), scope(c), cs); err != nil {
		if errors.Is(err, chart.ErrInvalidResolution) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("failed to save chart settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save settings"})
		return
	}
	c.JSON(http.StatusOK, cs)
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Chart.Configuration())
}

func (s *Server) getSymbol(c *gin.Context) {
	info, err := s.svc.Chart.ResolveSymbol(c.Query("symbol"), feed.ParseMetricMode(c.Query("mode")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"s": "error", "errmsg": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// historyResponse is the column-oriented history format; times are unix seconds.
type historyResponse struct {
	Status string    `json:"s"`
	Time   []int64   `json:"t,omitempty"`
	Open   []float64 `json:"o,omitempty"`
	High   []float64 `json:"h,omitempty"`
	Low    []float64 `json:"l,omitempty"`
	Close  []float64 `json:"c,omitempty"`
	Volume []float64 `json:"v,omitempty"`
}

func (s *Server) getHistory(c *gin.Context) {
	info, err := s.svc.Chart.ResolveSymbol(c.Query("symbol"), feed.ParseMetricMode(c.Query("mode")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"s": "error", "errmsg": err.Error()})
		return
	}
	from, errFrom := strconv.ParseInt(c.Query("from"), 10, 64)
	to, errTo := strconv.ParseInt(c.Query("to"), 10, 64)
	if errFrom != nil || errTo != nil {
		c.JSON(http.StatusBadRequest, gin.H{"s": "error", "errmsg": "from and to must be unix seconds"})
		return
	}
	countBack, _ := strconv.Atoi(c.Query("countback"))

	res, err := s.svc.Chart.GetHistory(c.Request.Context(), info, feed.Resolution(c.Query("resolution")),
		chart.HistoryRange{From: from, To: to, CountBack: countBack})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"s": "error", "errmsg": err.Error()})
		return
	}
	if res.NoData {
		c.JSON(http.StatusOK, historyResponse{Status: "no_data"})
		return
	}

	out := historyResponse{Status: "ok"}
	for _, b := range res.Bars {
		out.Time = append(out.Time, b.Time/1000)
		out.Open = append(out.Open, b.Open)
		out.High = append(out.High, b.High)
		out.Low = append(out.Low, b.Low)
		out.Close = append(out.Close, b.Close)
		out.Volume = append(out.Volume, b.Volume)
	}
	c.JSON(http.StatusOK, out)
}
