// Package wsclient talks to the agent-orchestration backend: job
// submission over HTTP and the deliberation event stream over WebSocket.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/datacendia/council/internal/council/event"
	"github.com/datacendia/council/internal/orchestrator"
	"github.com/datacendia/council/internal/platform/timeouts"
	"golang.org/x/net/websocket"
)

const eventBufferSize = 64

// Client implements orchestrator.Queue and orchestrator.Source against an
// orchestration backend exposing POST /queue and GET /stream endpoints.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	dialTimeout time.Duration
	logf        func(format string, args ...any)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for queue submissions.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithDialTimeout overrides the WebSocket dial timeout.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.dialTimeout = timeout }
}

// WithLogf overrides the logger for dropped frames.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(c *Client) { c.logf = logf }
}

// New creates a client for the orchestration backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("orchestrator base url is required")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  http.DefaultClient,
		dialTimeout: timeouts.OrchestratorDial,
		logf:        log.Printf,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

// Enqueue registers a deliberation job and returns its job id.
func (c *Client) Enqueue(ctx context.Context, submission orchestrator.Submission) (string, error) {
	if strings.TrimSpace(submission.SessionID) == "" {
		return "", fmt.Errorf("session id is required")
	}

	body, err := json.Marshal(submission)
	if err != nil {
		return "", fmt.Errorf("encode submission: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/queue", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build queue request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("submit deliberation job: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", fmt.Errorf("submit deliberation job: status %d", response.StatusCode)
	}

	var decoded enqueueResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode queue response: %w", err)
	}
	if strings.TrimSpace(decoded.JobID) == "" {
		return "", fmt.Errorf("queue response is missing job id")
	}
	return decoded.JobID, nil
}

// Subscribe dials the backend's event stream for sessionID and decodes
// JSON frames into envelopes. Malformed frames are logged and skipped so
// one bad payload never stalls the stream.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (<-chan event.Envelope, func(), error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil, fmt.Errorf("session id is required")
	}

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/stream?session_id=" + sessionID
	cfg, err := websocket.NewConfig(wsURL, c.baseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("build stream config: %w", err)
	}

	conn, err := dialWithTimeout(cfg, c.dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial event stream: %w", err)
	}

	events := make(chan event.Envelope, eventBufferSize)
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			_ = conn.Close()
		})
	}

	go func() {
		defer close(events)
		defer stop()
		decoder := json.NewDecoder(conn)
		for {
			var envelope event.Envelope
			if err := decoder.Decode(&envelope); err != nil {
				var typeErr *json.UnmarshalTypeError
				if errors.As(err, &typeErr) {
					// The value was consumed; skip the frame and keep
					// reading.
					c.logf("orchestrator stream %s: skip malformed frame: %v", sessionID, err)
					continue
				}
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					c.logf("orchestrator stream %s: decode frame: %v", sessionID, err)
				}
				return
			}
			if envelope.Timestamp.IsZero() {
				envelope.Timestamp = time.Now().UTC()
			}
			select {
			case events <- envelope:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Tear the socket down when the caller's context ends so the decode
	// loop cannot leak.
	go func() {
		<-ctx.Done()
		stop()
	}()

	return events, stop, nil
}

func dialWithTimeout(cfg *websocket.Config, timeout time.Duration) (*websocket.Conn, error) {
	if timeout <= 0 {
		return websocket.DialConfig(cfg)
	}

	type dialResult struct {
		conn *websocket.Conn
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := websocket.DialConfig(cfg)
		done <- dialResult{conn: conn, err: err}
	}()

	select {
	case result := <-done:
		return result.conn, result.err
	case <-time.After(timeout):
		go func() {
			if result := <-done; result.conn != nil {
				_ = result.conn.Close()
			}
		}()
		return nil, fmt.Errorf("dial timed out after %s", timeout)
	}
}
