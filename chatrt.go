// Package chatrt implements the realtime presence-and-delivery client for the
// teamgrid back-office chat.
//
// The package covers the always-on realtime channel a logged-in client holds,
// the presence state machine broadcast over it, the per-message
// delivered/read receipt protocol, and the reconciliation of unread counters
// across simultaneously open views of the same user's conversations.
//
// Example:
//
//	client := chatrt.NewClient("https://office.example.com", sessionToken)
//	sess := chatrt.NewSession(client, selfUserID, nil)
//	if err := sess.Start(ctx); err != nil { ... } // degraded mode on error
//	defer sess.Stop()
//
//	unsub := sess.Dispatcher().OnMessage(func(p chatrt.MessagePayload) { ... })
//	defer unsub()
package chatrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds every request/response call this package issues.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the request/response surface of the message store that the
// realtime core consumes. It never retries on its own; bounded retry policy
// lives in the callers (token fetch in RealtimeClient, write retries in the
// outbox).
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithLogger attaches a structured logger. The default logger discards
// everything; no call in this package ever logs above warn level.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a back-office API client. token is the session bearer
// credential of the logged-in user.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string, headers map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
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

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, headers map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query, headers)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		return nil, err
	}
	if !result.OK && result.Error != nil {
		return result, result.Error
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Realtime token
// ============================================================================

// RealtimeToken fetches a short-lived credential for the realtime channel
// over the authenticated HTTP session. The credential must be presented at
// connect time and re-fetched on every reconnection, never cached past its
// expiry.
func (c *Client) RealtimeToken(ctx context.Context) (*TokenData, error) {
	res, err := c.do(ctx, "POST", "/api/chat/realtime-token", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	var td TokenData
	if err := res.Decode(&td); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	if td.Token == "" {
		return nil, fmt.Errorf("token endpoint returned empty token")
	}
	return &td, nil
}

// ============================================================================
// Receipt calls
// ============================================================================

// MarkDelivered reports that the listed messages from withUserID reached this
// client.
func (c *Client) MarkDelivered(ctx context.Context, withUserID int64, messageIDs []int64) error {
	return c.receiptCall(ctx, withUserID, messageIDs, "delivered", "")
}

// MarkRead reports that the conversation with withUserID was read. A nil or
// empty messageIDs marks the whole conversation.
func (c *Client) MarkRead(ctx context.Context, withUserID int64, messageIDs []int64) error {
	return c.receiptCall(ctx, withUserID, messageIDs, "read", "")
}

// receiptCall is shared by MarkDelivered/MarkRead and the outbox, which
// attaches an idempotency key so a retried call is applied at most once.
func (c *Client) receiptCall(ctx context.Context, withUserID int64, messageIDs []int64, kind, idempotencyKey string) error {
	body := map[string]interface{}{"withUserId": withUserID}
	if len(messageIDs) > 0 {
		body["messageIds"] = messageIDs
	}
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	_, err := c.do(ctx, "POST", "/api/chat/messages/"+kind, body, nil, headers)
	if err != nil {
		return fmt.Errorf("mark %s: %w", kind, err)
	}
	return nil
}

// ============================================================================
// Message actions
// ============================================================================

// React toggles an emoji reaction on a message.
func (c *Client) React(ctx context.Context, messageID int64, emoji string, added bool) error {
	_, err := c.do(ctx, "POST", fmt.Sprintf("/api/chat/messages/%d/react", messageID),
		map[string]interface{}{"emoji": emoji, "added": added}, nil, nil)
	if err != nil {
		return fmt.Errorf("react: %w", err)
	}
	return nil
}

// Star sets or clears the star flag on a message.
func (c *Client) Star(ctx context.Context, messageID int64, starred bool) error {
	_, err := c.do(ctx, "POST", fmt.Sprintf("/api/chat/messages/%d/star", messageID),
		map[string]interface{}{"starred": starred}, nil, nil)
	if err != nil {
		return fmt.Errorf("star: %w", err)
	}
	return nil
}

// Pin sets or clears the pin flag on a message.
func (c *Client) Pin(ctx context.Context, messageID int64, pinned bool) error {
	_, err := c.do(ctx, "POST", fmt.Sprintf("/api/chat/messages/%d/pin", messageID),
		map[string]interface{}{"pinned": pinned}, nil, nil)
	if err != nil {
		return fmt.Errorf("pin: %w", err)
	}
	return nil
}

// ============================================================================
// Reads
// ============================================================================

// UnreadSummary fetches the authoritative unread baseline, total plus
// per-conversation counts.
func (c *Client) UnreadSummary(ctx context.Context) (*UnreadSummary, error) {
	res, err := c.do(ctx, "GET", "/api/chat/unread", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	var s UnreadSummary
	if err := res.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode unread summary: %w", err)
	}
	return &s, nil
}

// Conversations fetches the conversation list with server-side summaries.
func (c *Client) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	res, err := c.do(ctx, "GET", "/api/chat/conversations", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	var list []ConversationSummary
	if err := res.Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return list, nil
}

// Messages fetches the message history of the conversation with partnerID,
// newest last.
func (c *Client) Messages(ctx context.Context, partnerID int64, limit int) ([]*Message, error) {
	var query map[string]string
	if limit > 0 {
		query = map[string]string{"limit": fmt.Sprintf("%d", limit)}
	}
	res, err := c.do(ctx, "GET", fmt.Sprintf("/api/chat/messages/%d", partnerID), nil, query, nil)
	if err != nil {
		return nil, err
	}
	var msgs []*Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}
