package olend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenLend Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents the username and password exchanged for tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token represents an issued access token pair.
type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// MessageSubmission is the payload required to submit a chat message.
type MessageSubmission struct {
	ID       string            `json:"id,omitempty"`
	UserID   string            `json:"user_id"`
	Address  string            `json:"address"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Outcome carries the result produced once a message has been handled.
type Outcome struct {
	Reply        string   `json:"reply"`
	ActionID     string   `json:"action_id"`
	TxHash       string   `json:"tx_hash,omitempty"`
	Asset        string   `json:"asset,omitempty"`
	Amount       string   `json:"amount,omitempty"`
	HealthFactor string   `json:"health_factor,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// Message mirrors the server side view of a submitted message.
type Message struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Address    string         `json:"address"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *Outcome       `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Stats aggregates message counts by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListQuery filters the message listing endpoint. Zero values are omitted.
type ListQuery struct {
	UserID   string
	Statuses []string
	Query    string
	Limit    int
	Offset   int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("olend api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("olend api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenLend Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges credentials for an access token and stores it for
// subsequent calls. Servers running with auth disabled do not need this.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// SubmitMessage queues a new chat message for processing.
func (c *Client) SubmitMessage(ctx context.Context, submission MessageSubmission) (Message, error) {
	var msg Message
	if err := c.post(ctx, "/api/v1/messages", submission, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// SubmitAndWait queues a message and blocks server side until it completes or
// the wait duration elapses.
func (c *Client) SubmitAndWait(ctx context.Context, submission MessageSubmission, wait time.Duration) (Message, error) {
	var msg Message
	endpoint := "/api/v1/messages?wait=" + url.QueryEscape(wait.String())
	if err := c.post(ctx, endpoint, submission, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// GetMessage fetches a message by identifier.
func (c *Client) GetMessage(ctx context.Context, id string) (Message, error) {
	var msg Message
	if err := c.get(ctx, "/api/v1/messages/"+url.PathEscape(id), &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListMessages returns messages matching the query.
func (c *Client) ListMessages(ctx context.Context, query ListQuery) ([]Message, error) {
	values := url.Values{}
	if query.UserID != "" {
		values.Set("user_id", query.UserID)
	}
	if len(query.Statuses) > 0 {
		statuses := ""
		for i, status := range query.Statuses {
			if i > 0 {
				statuses += ","
			}
			statuses += status
		}
		values.Set("status", statuses)
	}
	if query.Query != "" {
		values.Set("q", query.Query)
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		values.Set("offset", strconv.Itoa(query.Offset))
	}
	endpoint := "/api/v1/messages"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var body struct {
		Messages []Message `json:"messages"`
	}
	if err := c.get(ctx, endpoint, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

// GetStats returns aggregated message counts.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/messages/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
