package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// APIError is a non-2xx response from the history endpoint.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("history api error %d: %s", e.StatusCode, e.Body)
}

// HistoryRequest selects a bar range. From/To are inclusive unix seconds.
type HistoryRequest struct {
	Identifier string
	Mode       MetricMode
	Resolution Resolution
	From       int64
	To         int64
}

type RESTClient struct {
	historyURL string
	httpClient *http.Client
	token      func() string
	logger     *zap.Logger
}

// ClientOption configures a RESTClient.
type ClientOption func(*RESTClient)

// WithTokenSource attaches a bearer token to every request when the source returns one.
func WithTokenSource(fn func() string) ClientOption {
	return func(c *RESTClient) { c.token = fn }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *RESTClient) { c.logger = logger }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *RESTClient) { c.httpClient = hc }
}

func NewRESTClient(historyURL string, timeout time.Duration, opts ...ClientOption) *RESTClient {
	c := &RESTClient{
		historyURL: historyURL,
		httpClient: &http.Client{Timeout: timeout},
		token:      func() string { return "" },
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetBars fetches an ordered bar range. Times in the result are milliseconds.
func (c *RESTClient) GetBars(ctx context.Context, r HistoryRequest) ([]Bar, error) {
	wire, err := ToWire(r.Resolution)
	if err != nil {
		return nil, err
	}
	mode := r.Mode
	if mode == "" {
		mode = MetricPrice
	}

	query := url.Values{}
	query.Set("identifier", r.Identifier)
	query.Set("mode", string(mode))
	query.Set("resolution", wire)
	query.Set("time_from", strconv.FormatInt(r.From, 10))
	query.Set("time_to", strconv.FormatInt(r.To, 10))

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.historyURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	wireBars, err := decodeHistory(body)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	bars := make([]Bar, 0, len(wireBars))
	for _, w := range wireBars {
		bars = append(bars, w.ToBar())
	}
	return bars, nil
}

// FetchHistory is GetBars that never fails: any error is logged and yields no bars.
func (c *RESTClient) FetchHistory(ctx context.Context, r HistoryRequest) []Bar {
	bars, err := c.GetBars(ctx, r)
	if err != nil {
		c.logger.Warn("history fetch failed",
			zap.String("identifier", r.Identifier),
			zap.String("resolution", string(r.Resolution)),
			zap.String("mode", string(r.Mode)),
			zap.Error(err))
		return []Bar{}
	}
	return bars
}

func decodeHistory(body []byte) ([]WireBar, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var bars []WireBar
		if err := json.Unmarshal(trimmed, &bars); err != nil {
			return nil, err
		}
		return bars, nil
	}

	var resp HistoryResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}
