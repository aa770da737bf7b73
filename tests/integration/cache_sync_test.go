package integration_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/backend"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/channels"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/database"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/devbackend"
	syncengine "github.com/MarcoPoloResearchLab/currents/clientcore/internal/sync"
	"go.uber.org/zap"
)

const (
	integrationUserID  = "user-abc"
	integrationChannel = "alice"
)

type harness struct {
	backendServer *devbackend.Server
	httpServer    *httptest.Server
	store         *cache.Store
	client        *backend.Client
}

func newHarness(testContext *testing.T) *harness {
	testContext.Helper()

	backendServer := devbackend.NewServer(devbackend.Config{Logger: zap.NewNop()})
	httpServer := httptest.NewServer(backendServer.Handler())
	testContext.Cleanup(httpServer.Close)

	db, err := database.Open(filepath.Join(testContext.TempDir(), "integration.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	store, err := cache.NewStore(cache.StoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to construct store: %v", err)
	}

	token, err := backendServer.IssueToken(integrationUserID)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	client, err := backend.NewClient(backend.ClientConfig{
		BaseURL:      httpServer.URL,
		SessionToken: token,
	})
	if err != nil {
		testContext.Fatalf("failed to construct client: %v", err)
	}

	return &harness{
		backendServer: backendServer,
		httpServer:    httpServer,
		store:         store,
		client:        client,
	}
}

func (h *harness) websocketURL() string {
	return strings.Replace(h.httpServer.URL, "http://", "ws://", 1) + "/sync/events"
}

func TestPaginationPersistsPagesToCache(testContext *testing.T) {
	h := newHarness(testContext)

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		h.backendServer.SeedMessage(integrationChannel, fmt.Sprintf("m%d", i+1), "message", base.Add(time.Duration(i)*time.Minute))
	}

	paginator, err := channels.NewPaginator(channels.PaginatorConfig{Source: h.client, Store: h.store})
	if err != nil {
		testContext.Fatalf("failed to construct paginator: %v", err)
	}

	first, err := paginator.FetchPage(context.Background(), integrationChannel, integrationUserID, 2, 0)
	if err != nil {
		testContext.Fatalf("first page fetch failed: %v", err)
	}
	if len(first.Messages) != 2 || !first.HasMore {
		testContext.Fatalf("unexpected first page: %d messages, hasMore=%v", len(first.Messages), first.HasMore)
	}
	if first.Messages[0].CreatedAtSeconds < first.Messages[1].CreatedAtSeconds {
		testContext.Fatalf("expected newest-first ordering")
	}

	second, err := paginator.FetchPage(context.Background(), integrationChannel, integrationUserID, 2, first.NextCursor)
	if err != nil {
		testContext.Fatalf("second page fetch failed: %v", err)
	}
	if len(second.Messages) != 2 {
		testContext.Fatalf("expected 2 messages on the second page, got %d", len(second.Messages))
	}
	if second.Messages[0].CreatedAtSeconds >= first.NextCursor {
		testContext.Fatalf("second page leaked messages at or after the cursor")
	}

	history, err := h.store.ChannelHistory(context.Background(), integrationChannel)
	if err != nil {
		testContext.Fatalf("history read failed: %v", err)
	}
	if len(history) != 4 {
		testContext.Fatalf("expected 4 cached messages after two pages, got %d", len(history))
	}
}

func TestSendMessageFlowsThroughRealtimeIntoCache(testContext *testing.T) {
	h := newHarness(testContext)

	merger, err := syncengine.NewMerger(syncengine.MergerConfig{Store: h.store})
	if err != nil {
		testContext.Fatalf("failed to construct merger: %v", err)
	}
	engine, err := syncengine.NewEngine(syncengine.EngineConfig{
		Applier: merger,
		Window:  10 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("failed to construct engine: %v", err)
	}
	testContext.Cleanup(engine.Close)

	transport, err := syncengine.NewWebsocketTransport(syncengine.WebsocketTransportConfig{
		FeedURL: h.websocketURL(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct transport: %v", err)
	}
	manager, err := syncengine.NewManager(syncengine.ManagerConfig{
		Transport:        transport,
		Snapshots:        h.client,
		Engine:           engine,
		Tables:           []string{"channels_messages", "channels_activity", "user_channel_follow"},
		ReconnectMinWait: 10 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("failed to construct manager: %v", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() { _ = manager.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !manager.Health().Connected {
		if time.Now().After(deadline) {
			testContext.Fatal("manager never connected to the event feed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	coordinator, err := channels.NewCoordinator(channels.CoordinatorConfig{
		Store:   h.store,
		Gateway: h.client,
		Events:  engine,
		IDs:     channels.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct coordinator: %v", err)
	}
	engine.SetInterceptor(coordinator)

	sent, err := coordinator.SendMessage(context.Background(), integrationChannel, "hello from integration", integrationUserID)
	if err != nil {
		testContext.Fatalf("send failed: %v", err)
	}
	if !strings.HasPrefix(sent.MessageID, "srv-") {
		testContext.Fatalf("expected the canonical server id, got %s", sent.MessageID)
	}

	// The canonical row lands synchronously; the activity summary arrives
	// over the websocket feed and through the merge engine.
	deadline = time.Now().Add(5 * time.Second)
	for {
		activity, found, getErr := cache.Get[cache.ChannelActivity](context.Background(), h.store, integrationChannel)
		if getErr != nil {
			testContext.Fatalf("activity read failed: %v", getErr)
		}
		if found && activity.LastMessageID == sent.MessageID {
			if activity.LastMessageText != "hello from integration" {
				testContext.Fatalf("unexpected activity text %q", activity.LastMessageText)
			}
			break
		}
		if time.Now().After(deadline) {
			testContext.Fatal("activity summary never arrived over the realtime feed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	history, err := h.store.ChannelHistory(context.Background(), integrationChannel)
	if err != nil {
		testContext.Fatalf("history read failed: %v", err)
	}
	if len(history) != 1 || history[0].MessageID != sent.MessageID {
		testContext.Fatalf("expected exactly the canonical message cached, got %v", history)
	}
}

func TestFollowFailureRollsBackOptimisticWrite(testContext *testing.T) {
	h := newHarness(testContext)
	h.backendServer.SetFailFollows(true)

	coordinator, err := channels.NewCoordinator(channels.CoordinatorConfig{
		Store:   h.store,
		Gateway: h.client,
		IDs:     channels.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct coordinator: %v", err)
	}

	err = coordinator.Follow(context.Background(), integrationUserID, integrationChannel)
	if !errors.Is(err, backend.ErrNetworkFailure) {
		testContext.Fatalf("expected network failure, got %v", err)
	}

	_, found, getErr := cache.Get[cache.FollowRelation](context.Background(), h.store, integrationUserID, integrationChannel)
	if getErr != nil {
		testContext.Fatalf("follow read failed: %v", getErr)
	}
	if found {
		testContext.Fatal("expected the optimistic follow rolled back")
	}

	// Once the backend recovers the same follow succeeds and sticks.
	h.backendServer.SetFailFollows(false)
	if err := coordinator.Follow(context.Background(), integrationUserID, integrationChannel); err != nil {
		testContext.Fatalf("follow after recovery failed: %v", err)
	}
	_, found, getErr = cache.Get[cache.FollowRelation](context.Background(), h.store, integrationUserID, integrationChannel)
	if getErr != nil || !found {
		testContext.Fatalf("expected the follow persisted, found=%v err=%v", found, getErr)
	}
}
