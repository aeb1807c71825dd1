// Package chatsync keeps a client-side view of conversations and messages
// consistent across fetched history, optimistic local sends and realtime
// pushes, over reconnecting websocket channels.
//
// Example:
//
//	client := chatsync.NewClient("https://chat.example.com/api", token)
//	session, _ := chatsync.NewSession(chatsync.SessionConfig{
//		RealtimeURL: "wss://chat.example.com/ws",
//		Client:      client,
//	})
//	if err := session.Start(ctx, "user-123"); err != nil { ... }
//	defer session.Stop()
//
//	msg, _ := session.Engine().SendOptimistic(ctx, "conv-1", "hello")
//	for _, m := range session.Engine().ListMessages("conv-1") { ... }
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP repository for conversation lists and message history.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// NewClient creates a client for the API rooted at baseURL.
// token is optional; when set it is sent as a bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Internal request helper
// ============================================================================

// apiResponse is the envelope every endpoint answers with.
type apiResponse struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) (*apiResponse, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if r, err := decodeJSON[apiResponse](data); err == nil && r.Error != nil {
			apiErr.Code, apiErr.Message = r.Error.Code, r.Error.Message
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, apiErr)
	}

	r, err := decodeJSON[apiResponse](data)
	if err != nil {
		return nil, err
	}
	if r.Error != nil {
		r.Error.Status = resp.StatusCode
		return nil, fmt.Errorf("%s %s: %w", method, path, r.Error)
	}
	return r, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeData[T any](r *apiResponse) (T, error) {
	var out T
	if len(r.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Data, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return out, nil
}

// ============================================================================
// API Methods
// ============================================================================

// Health checks service reachability.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

// Conversations lists the caller's conversations in server order.
func (c *Client) Conversations(ctx context.Context) ([]ConversationRecord, error) {
	r, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]ConversationRecord](r)
}

// History returns one page of a conversation's messages, oldest first.
// Pages start at 1.
func (c *Client) History(ctx context.Context, conversationID string, page int) ([]HistoryRecord, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("history: empty conversation id")
	}
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	r, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q)
	if err != nil {
		return nil, err
	}
	return decodeData[[]HistoryRecord](r)
}

// MarkRead tells the server the caller has read the conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}
