package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/backend"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/channels"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/config"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/database"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/devbackend"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/logging"
	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/session"
	syncengine "github.com/MarcoPoloResearchLab/currents/clientcore/internal/sync"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile      string
	warmChannels string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "currents-sync",
		Short: "Currents client cache and realtime sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("backend-url", defaults.GetString("backend.url"), "Backend base URL")
	cmd.PersistentFlags().String("session-token", "", "Session bearer token (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Local cache database path")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("sync.page_size"), "Message page size")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("sync.debounce_ms"), "Merge debounce window in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error, silent)")
	cmd.PersistentFlags().Bool("dev", defaults.GetBool("dev.backend"), "Run against an in-process dev backend")
	cmd.PersistentFlags().StringVar(&warmChannels, "warm-channels", "", "Comma-separated channels to pre-fetch at startup")

	bindFlag(cmd, "backend.url", "backend-url")
	bindFlag(cmd, "backend.session_token", "session-token")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "sync.page_size", "page-size")
	bindFlag(cmd, "sync.debounce_ms", "debounce-ms")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "dev.backend", "dev")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runSync(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appConfig.DevBackend {
		devURL, shutdown, devErr := startDevBackend(logger)
		if devErr != nil {
			return devErr
		}
		defer shutdown()
		appConfig.BackendURL = devURL
		logger.Info("dev backend started", zap.String("url", devURL))
	}

	userSession, err := session.FromToken(appConfig.SessionToken)
	if err != nil {
		return err
	}
	if userSession.Expired(time.Now()) {
		logger.Warn("session token expired, continuing as guest")
		userSession = session.Session{Guest: true}
	}

	db, err := database.Open(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := cache.NewStore(cache.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	backendClient, err := backend.NewClient(backend.ClientConfig{
		BaseURL:      appConfig.BackendURL,
		SessionToken: appConfig.SessionToken,
		Timeout:      appConfig.NetworkTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	merger, err := syncengine.NewMerger(syncengine.MergerConfig{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	notifier := syncengine.NewNotifier()
	engine, err := syncengine.NewEngine(syncengine.EngineConfig{
		Applier:  merger,
		Notifier: notifier,
		Window:   appConfig.DebounceWindow,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	coordinator, err := channels.NewCoordinator(channels.CoordinatorConfig{
		Store:   store,
		Gateway: backendClient,
		Events:  engine,
		IDs:     channels.NewUUIDProvider(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	engine.SetInterceptor(coordinator)

	transport, err := syncengine.NewWebsocketTransport(syncengine.WebsocketTransportConfig{
		FeedURL:      websocketURL(appConfig.BackendURL),
		SessionToken: appConfig.SessionToken,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	manager, err := syncengine.NewManager(syncengine.ManagerConfig{
		Transport: transport,
		Snapshots: backendClient,
		Engine:    engine,
		Tables: []string{
			cache.ChannelMessage{}.TableName(),
			cache.ChannelActivity{}.TableName(),
			cache.FollowRelation{}.TableName(),
			cache.LastViewedMarker{}.TableName(),
			cache.TenantRequest{}.TableName(),
			cache.UserLocation{}.TableName(),
			cache.PushSubscription{}.TableName(),
		},
		ReconnectMinWait: appConfig.ReconnectMinWait,
		ReconnectMaxWait: appConfig.ReconnectMaxWait,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	warmCache(signalCtx, logger, store, backendClient, userSession, appConfig.PageSize)

	logger.Info("sync daemon starting",
		zap.String("backend", appConfig.BackendURL),
		zap.String("database", appConfig.DatabasePath),
		zap.Bool("guest", userSession.Guest))

	if err := manager.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func warmCache(ctx context.Context, logger *zap.Logger, store *cache.Store, client *backend.Client, userSession session.Session, pageSize int) {
	trimmed := strings.TrimSpace(warmChannels)
	if trimmed == "" {
		return
	}

	paginator, err := channels.NewPaginator(channels.PaginatorConfig{
		Source: client,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		logger.Warn("cache warmup skipped", zap.Error(err))
		return
	}

	for _, channel := range strings.Split(trimmed, ",") {
		channel = strings.TrimSpace(channel)
		if channel == "" {
			continue
		}
		page, fetchErr := paginator.FetchPage(ctx, channel, userSession.UserID, pageSize, 0)
		if fetchErr != nil {
			logger.Warn("cache warmup fetch failed",
				zap.String("channel", channel), zap.Error(fetchErr))
			continue
		}
		logger.Info("channel warmed",
			zap.String("channel", channel),
			zap.Int("messages", len(page.Messages)),
			zap.Bool("has_more", page.HasMore))
	}
}

func startDevBackend(logger *zap.Logger) (string, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	server := devbackend.NewServer(devbackend.Config{Logger: logger})
	httpServer := &http.Server{Handler: server.Handler()}
	go func() {
		if serveErr := httpServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("dev backend stopped", zap.Error(serveErr))
		}
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return "http://" + listener.Addr().String(), shutdown, nil
}

func websocketURL(backendURL string) string {
	switch {
	case strings.HasPrefix(backendURL, "https://"):
		return "wss://" + strings.TrimPrefix(backendURL, "https://") + "/sync/events"
	case strings.HasPrefix(backendURL, "http://"):
		return "ws://" + strings.TrimPrefix(backendURL, "http://") + "/sync/events"
	default:
		return backendURL + "/sync/events"
	}
}
