package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/backend"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
	"go.uber.org/zap"
)

const (
	opPaginatorNew = "channels.paginator.new"
	opFetchPage    = "channels.fetch_page"
)

var (
	errMissingSource = errors.New("page source is required")
	errMissingStore  = errors.New("cache store is required")
	noOpLogger       = zap.NewNop()
)

// PageSource fetches message pages from the backend.
type PageSource interface {
	FetchMessagePage(ctx context.Context, request backend.PageRequest) (backend.PageResponse, error)
}

// Page is one fetched slice of channel history, newest-first.
type Page struct {
	Messages []cache.ChannelMessage
	HasMore  bool
	// NextCursor is the created_at of the oldest message in the page, zero
	// when the page was empty.
	NextCursor int64
	Access     backend.AccessStatus
}

// PaginatorConfig wires the Paginator's dependencies.
type PaginatorConfig struct {
	Source PageSource
	Store  *cache.Store
	Logger *zap.Logger
}

// Paginator walks a channel's history backward by created_at cursor. Fetched
// pages are persisted to the local store before they are returned, so a later
// cache-only read reflects them even if the caller navigated away.
type Paginator struct {
	source PageSource
	store  *cache.Store
	logger *zap.Logger

	mu     sync.Mutex
	loaded map[string][]cache.ChannelMessage
}

// NewPaginator constructs a Paginator.
func NewPaginator(cfg PaginatorConfig) (*Paginator, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("%s: %w", opPaginatorNew, errMissingSource)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opPaginatorNew, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Paginator{
		source: cfg.Source,
		store:  cfg.Store,
		logger: logger,
		loaded: make(map[string][]cache.ChannelMessage),
	}, nil
}

// FetchPage loads messages strictly older than cursorSeconds (exclusive), or
// the newest page when cursorSeconds is zero. A zero cursor is a refresh: it
// replaces the channel's in-memory list instead of appending to it.
func (p *Paginator) FetchPage(ctx context.Context, channel, userID string, pageSize int, cursorSeconds int64) (Page, error) {
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("%s.non_positive_page_size: %w: page size %d",
			opFetchPage, cache.ErrInvalidArgument, pageSize)
	}

	request := backend.PageRequest{
		Channel:  channel,
		UserID:   userID,
		PageSize: pageSize,
	}
	if cursorSeconds > 0 {
		request.LastMessageTimestamp = time.Unix(cursorSeconds, 0).UTC().Format(time.RFC3339)
	}

	response, err := p.source.FetchMessagePage(ctx, request)
	if err != nil {
		// The cache keeps its last known good state on any fetch failure.
		return Page{}, fmt.Errorf("%s.fetch_failed: %w", opFetchPage, err)
	}

	messages := make([]cache.ChannelMessage, 0, len(response.Messages))
	for _, row := range response.Messages {
		message, mapErr := cache.MapChannelMessage(row)
		if mapErr != nil {
			p.logger.Warn("malformed message row skipped",
				zap.String("operation", opFetchPage),
				zap.String("channel", channel),
				zap.Error(mapErr))
			continue
		}
		messages = append(messages, message)
	}

	// Newest-first within the page; ties broken by id to keep the total
	// order stable.
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAtSeconds != messages[j].CreatedAtSeconds {
			return messages[i].CreatedAtSeconds > messages[j].CreatedAtSeconds
		}
		return messages[i].MessageID > messages[j].MessageID
	})

	// Persist regardless of caller cancellation: a page already paid for on
	// the network still lands in the cache.
	writeCtx := context.WithoutCancel(ctx)
	for _, message := range messages {
		if putErr := cache.Put(writeCtx, p.store, message); putErr != nil {
			p.logger.Warn("page write to cache failed",
				zap.String("operation", opFetchPage),
				zap.String("channel", channel),
				zap.Error(putErr))
			break
		}
	}

	page := Page{
		Messages: messages,
		HasMore:  len(response.Messages) == pageSize,
		Access:   response.AccessStatus,
	}
	if len(messages) > 0 {
		page.NextCursor = messages[len(messages)-1].CreatedAtSeconds
	}

	p.mu.Lock()
	if cursorSeconds == 0 {
		p.loaded[channel] = append([]cache.ChannelMessage(nil), messages...)
	} else {
		p.loaded[channel] = append(p.loaded[channel], messages...)
	}
	p.mu.Unlock()

	return page, nil
}

// Loaded returns the channel's accumulated in-memory list, newest-first. It
// is derived state: dropping it and re-reading the store is always valid.
func (p *Paginator) Loaded(channel string) []cache.ChannelMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cache.ChannelMessage(nil), p.loaded[channel]...)
}

// Reset forgets the in-memory list for a channel, e.g. when its screen is
// closed.
func (p *Paginator) Reset(channel string) {
	p.mu.Lock()
	delete(p.loaded, channel)
	p.mu.Unlock()
}
