package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"tickerd/internal/feed"
)

// Default public endpoints for the Coinbase Exchange API.
const (
	DefaultRESTURL   = "https://api.exchange.coinbase.com"
	DefaultStreamURL = "wss://ws-feed.exchange.coinbase.com"

	// restCandleLimit is the documented per-request row cap on the
	// candles endpoint.
	restCandleLimit = 300
)

// Client is the low-level Coinbase Exchange transport: REST for historical
// candles and a websocket feed for live matches and tickers. The Adapter
// wraps it; nothing else touches the wire.
type Client struct {
	restURL   string
	streamURL string
	http      *http.Client
}

// NewClient creates a client for the given endpoints; empty strings select
// the public production endpoints.
func NewClient(restURL, streamURL string) *Client {
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	if streamURL == "" {
		streamURL = DefaultStreamURL
	}
	return &Client{
		restURL:   restURL,
		streamURL: streamURL,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// GetCandles fetches up to 300 candles for one product. Rows come back
// newest first as six-number arrays [epoch_sec, low, high, open, close,
// volume], returned here verbatim.
func (c *Client) GetCandles(ctx context.Context, productID string, granularitySec int64, start, end time.Time) ([]json.RawMessage, error) {
	u := fmt.Sprintf("%s/products/%s/candles?%s", c.restURL, url.PathEscape(productID),
		url.Values{
			"granularity": {strconv.FormatInt(granularitySec, 10)},
			"start":       {start.UTC().Format(time.RFC3339)},
			"end":         {end.UTC().Format(time.RFC3339)},
		}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building candles request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &feed.TransientError{Op: "coinbase.GetCandles", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("GetCandles", resp)
	}

	var rows []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, &feed.TransientError{Op: "coinbase.GetCandles",
			Err: fmt.Errorf("decoding response: %w", err)}
	}
	return rows, nil
}

// classifyStatus maps a non-200 REST response onto the feed taxonomy,
// draining the body for the error message.
func classifyStatus(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &feed.RateLimitedError{RetryAfter: retryAfter(resp), Err: err}
	case resp.StatusCode >= 500:
		return &feed.TransientError{Op: "coinbase." + op, Err: err}
	default:
		return &feed.PermanentError{Op: "coinbase." + op, StatusCode: resp.StatusCode, Err: err}
	}
}

// retryAfter parses the Retry-After header, seconds form only.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// ---------------------------------------------------------------------------
// Websocket feed
// ---------------------------------------------------------------------------

// subscribeRequest is the frame that opens a feed subscription.
type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// frameHeader is the minimal decode used to route incoming frames.
type frameHeader struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Sequence  int64  `json:"sequence"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
}

// Conn is one live feed subscription.
type Conn struct {
	ws *websocket.Conn
}

// Subscribe dials the feed and subscribes to the given channels for the
// given products. The heartbeat channel is always included so the feed
// carries a keepalive even when the market is quiet.
func (c *Client) Subscribe(ctx context.Context, productIDs, channels []string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, c.streamURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, classifyStatus("Subscribe", resp)
		}
		return nil, &feed.TransientError{Op: "coinbase.Subscribe", Err: err}
	}

	withHeartbeat := append([]string{}, channels...)
	if !contains(withHeartbeat, "heartbeat") {
		withHeartbeat = append(withHeartbeat, "heartbeat")
	}
	sub := subscribeRequest{Type: "subscribe", ProductIDs: productIDs, Channels: withHeartbeat}
	if err := ws.WriteJSON(sub); err != nil {
		ws.Close()
		return nil, &feed.TransientError{Op: "coinbase.Subscribe",
			Err: fmt.Errorf("sending subscribe: %w", err)}
	}
	return &Conn{ws: ws}, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Read returns the next frame's routing header and verbatim payload. A
// server "error" frame comes back as a PermanentError; transport failures
// are transient.
func (conn *Conn) Read(readTimeout time.Duration) (frameHeader, []byte, error) {
	if readTimeout > 0 {
		conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	}
	_, payload, err := conn.ws.ReadMessage()
	if err != nil {
		return frameHeader{}, nil, &feed.TransientError{Op: "coinbase.Read", Err: err}
	}

	var hdr frameHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return frameHeader{}, nil, &feed.TransientError{Op: "coinbase.Read",
			Err: fmt.Errorf("decoding frame: %w", err)}
	}
	if hdr.Type == "error" {
		return hdr, payload, &feed.PermanentError{Op: "coinbase.Read",
			Err: fmt.Errorf("feed error: %s (%s)", hdr.Message, hdr.Reason)}
	}
	return hdr, payload, nil
}

// Close tears the subscription down.
func (conn *Conn) Close() error {
	conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.ws.Close()
}
