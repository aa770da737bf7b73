package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	opClientNew   = "backend.client.new"
	opFetchPage   = "backend.fetch_page"
	opFollow      = "backend.follow"
	opUnfollow    = "backend.unfollow"
	opSendMessage = "backend.send_message"
	opSnapshot    = "backend.snapshot"

	defaultRequestTimeout = 10 * time.Second
)

var (
	// ErrNetworkFailure marks transient transport or server-side failures.
	// Callers retry with backoff and leave the cache untouched.
	ErrNetworkFailure = errors.New("backend: network failure")

	errMissingBaseURL = errors.New("backend base url is required")
)

// ClientConfig configures the backend HTTP gateway.
type ClientConfig struct {
	BaseURL      string
	SessionToken string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client talks to the managed backend. Every call carries a bounded timeout;
// a timeout or 5xx maps to ErrNetworkFailure so the cache layer can keep its
// last known good state.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a backend gateway.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%s: %w", opClientNew, errMissingBaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.SessionToken,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// PageRequest asks for one page of channel messages older than the cursor.
type PageRequest struct {
	Channel              string `json:"channel"`
	UserID               string `json:"userId"`
	PageSize             int    `json:"pageSize"`
	LastMessageTimestamp string `json:"lastMessageTimestamp,omitempty"`
}

// AccessStatus reports the caller's standing toward a channel.
type AccessStatus struct {
	CanView     bool `json:"canView"`
	IsPremium   bool `json:"isPremium"`
	IsFollowing bool `json:"isFollowing"`
}

// PageResponse is the backend's pagination reply. Messages are raw rows; the
// cache layer maps them.
type PageResponse struct {
	Messages     []map[string]any `json:"messages"`
	HasMore      bool             `json:"hasMore"`
	AccessStatus AccessStatus     `json:"accessStatus"`
}

// FetchMessagePage requests one page of channel history.
func (c *Client) FetchMessagePage(ctx context.Context, request PageRequest) (PageResponse, error) {
	var response PageResponse
	err := c.doJSON(ctx, opFetchPage, http.MethodPost, "/channels/messages/page", request, &response)
	return response, err
}

// Follow records a follow relationship on the backend.
func (c *Client) Follow(ctx context.Context, username, userID string) error {
	body := map[string]string{"username": username, "userId": userID}
	path := fmt.Sprintf("/channels/%s/follow", url.PathEscape(username))
	return c.doJSON(ctx, opFollow, http.MethodPost, path, body, nil)
}

// Unfollow removes a follow relationship on the backend.
func (c *Client) Unfollow(ctx context.Context, username, userID string) error {
	body := map[string]string{"username": username, "userId": userID}
	path := fmt.Sprintf("/channels/%s/follow", url.PathEscape(username))
	return c.doJSON(ctx, opUnfollow, http.MethodDelete, path, body, nil)
}

// SendMessage posts a message and returns the server's canonical row, which
// the mutation coordinator reconciles against its optimistic copy.
func (c *Client) SendMessage(ctx context.Context, channel, text, userID string) (map[string]any, error) {
	body := map[string]string{"channel": channel, "text": text, "userId": userID}
	path := fmt.Sprintf("/channels/%s/messages", url.PathEscape(channel))
	var canonical map[string]any
	if err := c.doJSON(ctx, opSendMessage, http.MethodPost, path, body, &canonical); err != nil {
		return nil, err
	}
	return canonical, nil
}

// Snapshot fetches a full read of one remote table for post-reconnect resync.
func (c *Client) Snapshot(ctx context.Context, table string) ([]map[string]any, error) {
	var payload struct {
		Rows []map[string]any `json:"rows"`
	}
	path := "/sync/snapshot?table=" + url.QueryEscape(table)
	if err := c.doJSON(ctx, opSnapshot, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Rows, nil
}

func (c *Client) doJSON(ctx context.Context, operation, method, path string, body, out any) error {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s.encode_failed: %w", operation, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(requestCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s.request_failed: %w", operation, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("backend request failed",
			zap.String("operation", operation),
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("%s.transport_failed: %w: %w", operation, ErrNetworkFailure, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusInternalServerError ||
		response.StatusCode == http.StatusTooManyRequests ||
		response.StatusCode == http.StatusRequestTimeout {
		return fmt.Errorf("%s.server_failed: %w: status %d", operation, ErrNetworkFailure, response.StatusCode)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s.rejected: status %d", operation, response.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%s.decode_failed: %w: %w", operation, ErrNetworkFailure, err)
	}
	return nil
}
