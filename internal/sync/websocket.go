package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const opTransportOpen = "sync.transport.open"

var errMissingFeedURL = errors.New("realtime feed url is required")

// WebsocketTransportConfig configures the websocket realtime transport.
type WebsocketTransportConfig struct {
	// FeedURL is the ws:// or wss:// endpoint of the backend event feed.
	FeedURL      string
	SessionToken string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// WebsocketTransport delivers raw change notifications over one websocket
// connection. It performs no retries of its own; the subscription manager
// reopens it after a drop and resyncs.
type WebsocketTransport struct {
	feedURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebsocketTransport constructs a websocket transport.
func NewWebsocketTransport(cfg WebsocketTransportConfig) (*WebsocketTransport, error) {
	if strings.TrimSpace(cfg.FeedURL) == "" {
		return nil, fmt.Errorf("%s: %w", opTransportOpen, errMissingFeedURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketTransport{
		feedURL:    cfg.FeedURL,
		token:      cfg.SessionToken,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Open dials the event feed and streams decoded change notifications until
// the connection drops or ctx ends; the channel closes either way.
func (t *WebsocketTransport) Open(ctx context.Context, tables []string) (<-chan RemoteChange, error) {
	endpoint, err := url.Parse(t.feedURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opTransportOpen, err)
	}
	query := endpoint.Query()
	if len(tables) > 0 {
		query.Set("tables", strings.Join(tables, ","))
	}
	endpoint.RawQuery = query.Encode()

	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, _, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opTransportOpen, err)
	}

	changes := make(chan RemoteChange, 64)
	go func() {
		defer close(changes)
		defer conn.Close(websocket.StatusNormalClosure, "feed closed")
		for {
			var change RemoteChange
			if err := wsjson.Read(ctx, conn, &change); err != nil {
				if ctx.Err() == nil {
					t.logger.Debug("websocket read ended",
						zap.String("operation", opTransportOpen),
						zap.Error(err))
				}
				return
			}
			select {
			case changes <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, nil
}
