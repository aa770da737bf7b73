// Package devbackend emulates just enough of the managed backend for
// integration tests and local development: seeded channel history with
// cursor pagination, follow/unfollow, message sends, table snapshots, and a
// websocket change-event feed.
package devbackend

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	syncengine "github.com/MarcoPoloResearchLab/currents/clientcore/internal/sync"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Config wires the dev backend.
type Config struct {
	SigningSecret []byte
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Server holds the in-memory backend state. All of it is scratch data; a
// restart starts empty.
type Server struct {
	logger *zap.Logger
	clock  func() time.Time
	tokens *tokenIssuer

	mu          sync.Mutex
	messages    map[string][]map[string]any
	follows     map[string]map[string]bool
	nextID      int64
	failFollows bool
	failSends   bool
	subscribers map[int64]chan syncengine.RemoteChange
	nextSubID   int64
}

// NewServer constructs a dev backend.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	secret := cfg.SigningSecret
	if len(secret) == 0 {
		secret = []byte("currents-dev-secret")
	}
	return &Server{
		logger:      logger,
		clock:       clock,
		tokens:      newTokenIssuer(secret, clock),
		messages:    make(map[string][]map[string]any),
		follows:     make(map[string]map[string]bool),
		subscribers: make(map[int64]chan syncengine.RemoteChange),
	}
}

// Handler builds the HTTP surface.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.POST("/auth/session", s.handleIssueSession)
	router.POST("/channels/messages/page", s.handleMessagePage)
	router.POST("/channels/:username/follow", s.handleFollow)
	router.DELETE("/channels/:username/follow", s.handleUnfollow)
	router.POST("/channels/:username/messages", s.handleSendMessage)
	router.GET("/sync/snapshot", s.handleSnapshot)
	router.GET("/sync/events", s.handleEventFeed)

	return router
}

// SeedMessage inserts one historical message row without emitting an event.
func (s *Server) SeedMessage(channel, messageID, text string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[channel] = append(s.messages[channel], map[string]any{
		"id":               messageID,
		"channel_username": channel,
		"text":             text,
		"created_at":       createdAt.UTC().Format(time.RFC3339),
		"updated_at":       createdAt.UTC().Format(time.RFC3339),
	})
}

// SetFailFollows makes follow/unfollow return a server error; tests use it to
// force optimistic rollbacks.
func (s *Server) SetFailFollows(fail bool) {
	s.mu.Lock()
	s.failFollows = fail
	s.mu.Unlock()
}

// SetFailSends makes message sends return a server error.
func (s *Server) SetFailSends(fail bool) {
	s.mu.Lock()
	s.failSends = fail
	s.mu.Unlock()
}

// Publish fans one change event out to every connected feed.
func (s *Server) Publish(change syncengine.RemoteChange) {
	s.mu.Lock()
	channels := make([]chan syncengine.RemoteChange, 0, len(s.subscribers))
	for _, subscriber := range s.subscribers {
		channels = append(channels, subscriber)
	}
	s.mu.Unlock()
	for _, subscriber := range channels {
		select {
		case subscriber <- change:
		default:
		}
	}
}

// IssueToken mints a session token directly, bypassing the HTTP route.
func (s *Server) IssueToken(userID string) (string, error) {
	return s.tokens.issue(userID)
}

func (s *Server) handleIssueSession(c *gin.Context) {
	var request struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	token, err := s.tokens.issue(request.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_in":   int64(sessionTTL / time.Second),
		"token_type":   "Bearer",
	})
}

func (s *Server) handleMessagePage(c *gin.Context) {
	var request struct {
		Channel              string `json:"channel"`
		UserID               string `json:"userId"`
		PageSize             int    `json:"pageSize"`
		LastMessageTimestamp string `json:"lastMessageTimestamp"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || request.Channel == "" || request.PageSize <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var cursor int64
	if request.LastMessageTimestamp != "" {
		parsed, err := time.Parse(time.RFC3339, request.LastMessageTimestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
		cursor = parsed.Unix()
	}

	s.mu.Lock()
	rows := append([]map[string]any(nil), s.messages[request.Channel]...)
	following := s.follows[request.UserID][request.Channel]
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		return rowCreatedAt(rows[i]) > rowCreatedAt(rows[j])
	})

	page := make([]map[string]any, 0, request.PageSize)
	for _, row := range rows {
		if cursor > 0 && rowCreatedAt(row) >= cursor {
			continue
		}
		page = append(page, row)
		if len(page) == request.PageSize {
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": page,
		"hasMore":  len(page) == request.PageSize,
		"accessStatus": gin.H{
			"canView":     true,
			"isPremium":   false,
			"isFollowing": following,
		},
	})
}

func (s *Server) handleFollow(c *gin.Context) {
	s.handleFollowChange(c, true)
}

func (s *Server) handleUnfollow(c *gin.Context) {
	s.handleFollowChange(c, false)
}

func (s *Server) handleFollowChange(c *gin.Context, follow bool) {
	username := c.Param("username")
	var request struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || request.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	if s.failFollows {
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "follow_unavailable"})
		return
	}
	if s.follows[request.UserID] == nil {
		s.follows[request.UserID] = make(map[string]bool)
	}
	if follow {
		s.follows[request.UserID][username] = true
	} else {
		delete(s.follows[request.UserID], username)
	}
	now := s.clock().UTC().Format(time.RFC3339)
	s.mu.Unlock()

	row := map[string]any{
		"user_id":          request.UserID,
		"channel_username": username,
		"created_at":       now,
	}
	if follow {
		s.Publish(syncengine.RemoteChange{Type: "INSERT", Table: "user_channel_follow", Record: row})
	} else {
		s.Publish(syncengine.RemoteChange{Type: "DELETE", Table: "user_channel_follow", OldRecord: row})
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSendMessage(c *gin.Context) {
	channel := c.Param("username")
	var request struct {
		Text   string `json:"text"`
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || request.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	if s.failSends {
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "send_unavailable"})
		return
	}
	s.nextID++
	now := s.clock().UTC()
	row := map[string]any{
		"id":               fmt.Sprintf("srv-%d", s.nextID),
		"channel_username": channel,
		"text":             request.Text,
		"created_at":       now.Format(time.RFC3339),
		"updated_at":       now.Format(time.RFC3339),
	}
	s.messages[channel] = append(s.messages[channel], row)
	s.mu.Unlock()

	s.Publish(syncengine.RemoteChange{Type: "INSERT", Table: "channels_messages", Record: row})
	s.Publish(syncengine.RemoteChange{Type: "UPDATE", Table: "channels_activity", Record: map[string]any{
		"channel_username":  channel,
		"last_message_id":   row["id"],
		"last_message_text": request.Text,
		"last_updated_at":   now.Format(time.RFC3339),
	}})

	c.JSON(http.StatusOK, row)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	table := c.Query("table")
	rows := make([]map[string]any, 0)

	s.mu.Lock()
	switch table {
	case "channels_messages":
		for _, channelRows := range s.messages {
			rows = append(rows, channelRows...)
		}
	case "user_channel_follow":
		for userID, channels := range s.follows {
			for channel := range channels {
				rows = append(rows, map[string]any{
					"user_id":          userID,
					"channel_username": channel,
					"created_at":       s.clock().UTC().Format(time.RFC3339),
				})
			}
		}
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (s *Server) handleEventFeed(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("event feed accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")

	stream := make(chan syncengine.RemoteChange, 64)
	s.mu.Lock()
	s.nextSubID++
	subscriberID := s.nextSubID
	s.subscribers[subscriberID] = stream
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, subscriberID)
		s.mu.Unlock()
	}()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-stream:
			if err := wsjson.Write(ctx, conn, change); err != nil {
				return
			}
		}
	}
}

func rowCreatedAt(row map[string]any) int64 {
	raw, _ := row["created_at"].(string)
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	return parsed.Unix()
}
