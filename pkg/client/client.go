package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

// Client is an HTTP client for the rostersync debug API. Pointed at a
// roster source instead, it can also subscribe to the live frame stream.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	clientID        string
	headers         http.Header
	websocketDialer *websocket.Dialer
	timeout         time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithClientID sets the client ID announced on stream subscriptions
func WithClientID(clientID string) ClientOption {
	return func(c *Client) {
		c.clientID = clientID
		c.headers.Set("X-Client-ID", clientID)
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new rostersync API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         baseURL,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		clientID:        "rostersync-client",
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
		timeout:         10 * time.Second,
	}

	// Apply options
	for _, option := range options {
		option(client)
	}

	// Ensure client ID is set in headers
	client.headers.Set("X-Client-ID", client.clientID)

	return client
}

// SyncSummary mirrors the /sync/summary response
type SyncSummary struct {
	AverageCompressionRatio float64       `json:"average_compression_ratio"`
	TotalBytesSaved         int64         `json:"total_bytes_saved"`
	SampleCount             int64         `json:"sample_count"`
	ModeBreakdown           ModeBreakdown `json:"mode_breakdown"`
	AvgFullProcessingMs     float64       `json:"avg_full_processing_ms"`
	AvgDeltaProcessingMs    float64       `json:"avg_delta_processing_ms"`
	RosterParticipants      int           `json:"roster_participants"`
	RosterVersion           int64         `json:"roster_version"`
}

// ModeBreakdown counts lifetime updates per sync mode
type ModeBreakdown struct {
	Full  int64 `json:"full"`
	Delta int64 `json:"delta"`
}

// SyncRecord mirrors one entry of the /sync/history response
type SyncRecord struct {
	Mode             string        `json:"mode"`
	FullSizeBytes    int           `json:"full_size_bytes"`
	DeltaSizeBytes   int           `json:"delta_size_bytes"`
	ChangeCount      int           `json:"change_count"`
	CompressionRatio float64       `json:"compression_ratio"`
	ProcessingTime   time.Duration `json:"processing_time_ns"`
	RecordedAt       time.Time     `json:"recorded_at"`
}

// ConnectionStatus mirrors the /connection response
type ConnectionStatus struct {
	Phase       string     `json:"phase"`
	Attempt     int        `json:"attempt,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// Roster retrieves the current roster snapshot
func (c *Client) Roster(ctx context.Context) (*wire.FullSnapshotFrame, error) {
	resp, err := c.do(ctx, "GET", "/roster", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var snapshot wire.FullSnapshotFrame
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &snapshot, nil
}

// Participant retrieves a single roster participant by ID
func (c *Client) Participant(ctx context.Context, id string) (*wire.Participant, error) {
	resp, err := c.do(ctx, "GET", fmt.Sprintf("/roster/%s", url.PathEscape(id)), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var participant wire.Participant
	if err := json.NewDecoder(resp.Body).Decode(&participant); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &participant, nil
}

// SyncSummary retrieves the watcher's sync performance digest
func (c *Client) SyncSummary(ctx context.Context) (*SyncSummary, error) {
	resp, err := c.do(ctx, "GET", "/sync/summary", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var summary SyncSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &summary, nil
}

// SyncHistory retrieves recent sync records, oldest first
func (c *Client) SyncHistory(ctx context.Context) ([]SyncRecord, error) {
	resp, err := c.do(ctx, "GET", "/sync/history", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Parse response
	var response struct {
		Count   int          `json:"count"`
		Records []SyncRecord `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return response.Records, nil
}

// Connection retrieves the watcher's upstream connection state
func (c *Client) Connection(ctx context.Context) (*ConnectionStatus, error) {
	resp, err := c.do(ctx, "GET", "/connection", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status ConnectionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &status, nil
}

// RequestResync asks the watcher to fetch a fresh snapshot upstream
func (c *Client) RequestResync(ctx context.Context) error {
	resp, err := c.do(ctx, "POST", "/sync/resync", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Reconnect revives a degraded watcher connection
func (c *Client) Reconnect(ctx context.Context) error {
	resp, err := c.do(ctx, "POST", "/connection/reconnect", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Subscribe opens a live frame stream against a roster source. The
// stream starts with a full snapshot no older than lastKnownVersion.
func (c *Client) Subscribe(lastKnownVersion int64) (*Subscription, error) {
	// Build WebSocket URL
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}

	// Convert to WebSocket scheme
	if u.Scheme == "http" {
		u.Scheme = "ws"
	} else if u.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = "/stream"

	// Connect to WebSocket
	headers := make(http.Header)
	headers.Set("X-Client-ID", c.clientID)
	conn, _, err := c.websocketDialer.Dial(u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}

	// Announce ourselves, then ask for a baseline snapshot
	opening := []wire.Frame{
		&wire.SubscribeFrame{ClientId: c.clientID},
		&wire.ResyncRequestFrame{LastKnownVersion: lastKnownVersion},
	}
	for _, frame := range opening {
		data, err := wire.Encode(frame)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
	}

	// Create subscription
	sub := &Subscription{
		Conn:   conn,
		Frames: make(chan wire.Frame, 100),
		Done:   make(chan struct{}),
	}

	// Start receiving frames
	go sub.receiveFrames()

	return sub, nil
}

// do makes an HTTP request
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	// Create URL
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path

	// Create request body
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	// Create request
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	// Set headers
	for k, v := range c.headers {
		req.Header[k] = v
	}

	// Make request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	// Check for errors
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		// Try to parse error message
		body, _ := io.ReadAll(resp.Body)

		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
		}

		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, resp.Status)
	}

	return resp, nil
}

// Subscription is a live frame stream from a roster source
type Subscription struct {
	Conn   *websocket.Conn
	Frames chan wire.Frame
	Done   chan struct{}
}

// receiveFrames processes stream messages
func (s *Subscription) receiveFrames() {
	defer func() {
		close(s.Frames)
		close(s.Done)
		s.Conn.Close()
	}()

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			// Connection closed
			return
		}

		frame, err := wire.Decode(message)
		if err != nil {
			// Unknown message format
			continue
		}

		// Heartbeats only keep the connection alive
		if frame.Type() == wire.FrameHeartbeat {
			continue
		}

		select {
		case s.Frames <- frame:
			// Frame delivered
		default:
			// Channel is full, drop the frame
		}
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	// Send close message
	err := s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	// Wait for done signal
	select {
	case <-s.Done:
		// Closed normally
	case <-time.After(time.Second):
		// Force close
		s.Conn.Close()
	}

	return err
}
