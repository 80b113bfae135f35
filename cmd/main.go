package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/yams-chat/internal/auth"
	"github.com/weiawesome/yams-chat/internal/bridge"
	"github.com/weiawesome/yams-chat/internal/config"
	chatgrpc "github.com/weiawesome/yams-chat/internal/grpc"
	"github.com/weiawesome/yams-chat/internal/handler"
	"github.com/weiawesome/yams-chat/internal/hub"
	"github.com/weiawesome/yams-chat/internal/media"
	"github.com/weiawesome/yams-chat/internal/registry"
	"github.com/weiawesome/yams-chat/internal/service"
	"github.com/weiawesome/yams-chat/internal/store"
	"github.com/weiawesome/yams-chat/pkg/database"
	"github.com/weiawesome/yams-chat/pkg/jwt"
	pkglog "github.com/weiawesome/yams-chat/pkg/log"
	"github.com/weiawesome/yams-chat/pkg/middleware"
	"github.com/weiawesome/yams-chat/pkg/pubsub"
	"github.com/weiawesome/yams-chat/pkg/storage"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config"
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "yams-chat",
		InstanceID:  cfg.InstanceID,
	})
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token manager")
	}

	// Backplane
	ps, err := pubsub.NewPubSub(cfg.Backplane.Config)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Backplane.Driver).Msg("failed to connect to backplane")
	}
	defer ps.Close()
	logger.Info().Str("driver", cfg.Backplane.Driver).Str("channel", cfg.Backplane.Channel).Msg("backplane connected")

	// Chat store
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(db)
	if err := database.AutoMigrate(db, store.Models()...); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto-migrate")
	}
	gormStore := store.NewGormStore(db)

	var chatStore store.ChatStore = gormStore
	if cfg.Cassandra.Enabled {
		messageLog, err := store.NewCassandraMessageLog(store.CassandraConfig{
			Hosts:          cfg.Cassandra.Hosts,
			Keyspace:       cfg.Cassandra.Keyspace,
			Consistency:    cfg.Cassandra.Consistency,
			Username:       cfg.Cassandra.Username,
			Password:       cfg.Cassandra.Password,
			Timeout:        cfg.Cassandra.Timeout,
			ConnectTimeout: cfg.Cassandra.ConnectTimeout,
			NumRetries:     cfg.Cassandra.NumRetries,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to cassandra")
		}
		defer messageLog.Close()
		chatStore = store.NewSplitStore(gormStore, messageLog)
		logger.Info().Strs("hosts", cfg.Cassandra.Hosts).Msg("messages are written to cassandra")
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("chat store ready")

	// Media
	objects, err := storage.New(ctx, cfg.Media.Config)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize media storage")
	}
	mediaSvc := media.NewService(objects, cfg.Media.URLTTL, cfg.Media.KeyPrefix)
	var mediaResolver service.MediaResolver
	if mediaSvc.Enabled() {
		mediaResolver = mediaSvc
	}

	// Presence directory
	reg := registry.New(cfg.Registry.Shards)
	var directory *registry.Directory
	if cfg.Presence.Enabled {
		directory = registry.NewDirectory(presenceClient(ps, cfg), registry.DirectoryConfig{
			Prefix:            cfg.Presence.Prefix,
			InstanceID:        cfg.InstanceID,
			HeartbeatInterval: cfg.Presence.HeartbeatInterval,
			TTL:               cfg.Presence.TTL,
		})
		directory.StartHeartbeat(ctx)
	}

	// Fan-out path
	b := bridge.New(ps, reg, bridge.Config{
		Channel:        cfg.Backplane.Channel,
		InstanceID:     cfg.InstanceID,
		PublishTimeout: cfg.Backplane.PublishTimeout,
		PublishRetries: cfg.Backplane.PublishRetries,
		RetryBackoff:   cfg.Backplane.RetryBackoff,
		DedupWindow:    cfg.Backplane.DedupWindow,
		ResubscribeGap: cfg.Backplane.ResubscribeGap,
	})

	dispatcher := service.NewDispatcher(chatStore, b, mediaResolver, service.DispatcherConfig{
		Lanes:            cfg.Dispatch.Lanes,
		LaneBuffer:       cfg.Dispatch.LaneBuffer,
		LockStripes:      cfg.Dispatch.ChatLockStripes,
		MaxContentLength: cfg.Dispatch.MaxContentLength,
		StoreTimeout:     cfg.Dispatch.StoreTimeout,
		EchoToSender:     cfg.Fanout.EchoToSender,
	})
	var presenceFilter service.PresenceFilter
	var presenceLookup handler.PresenceLookup
	var hubPresence hub.Presence
	if directory != nil {
		presenceFilter, presenceLookup, hubPresence = directory, directory, directory
	}
	notifier := service.NewNotifier(chatStore, b, presenceFilter, cfg.Fanout.NotifyActor)
	chatSvc := service.NewChatService(dispatcher, notifier)
	if err := chatSvc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start chat service")
	}

	wsHub := hub.NewHub(reg, hubPresence)
	authenticator := auth.NewAuthenticator(auth.NewJWTIssuer(tokens), cfg.Auth.HandshakeTimeout)

	// HTTP
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger, "/health"))
	handler.NewWSHandler(wsHub, chatSvc, authenticator, cfg.WebSocket).RegisterRoutes(r)
	handler.NewHTTPHandler(chatSvc, reg, presenceLookup, gormStore, mediaSvc, middleware.NewAuthMiddleware(tokens)).RegisterRoutes(r)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health
	healthSrv, err := chatgrpc.NewHealthServer(fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start grpc health server")
	}

	bridgeCtx, cancelBridge := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBridge()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.Run(bridgeCtx)
		return nil
	})
	g.Go(func() error {
		healthSrv.MarkServingWhen(gctx, b.Ready())
		return nil
	})
	g.Go(func() error {
		return healthSrv.Serve()
	})
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("ws_path", cfg.WebSocket.Path).Msg("yams-chat listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdown(cfg, server, healthSrv, cancelBridge, b, chatSvc, wsHub, directory)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("gateway stopped with error")
	}
	logger.Info().Msg("yams-chat stopped")
}

// presenceClient reuses the backplane's Redis connection when there is one.
func presenceClient(ps pubsub.PubSub, cfg *config.Config) *redis.Client {
	if rps, ok := ps.(*pubsub.RedisPubSub); ok {
		return rps.Client()
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Backplane.Redis.Address,
		Password: cfg.Backplane.Redis.Password,
		DB:       cfg.Backplane.Redis.DB,
	})
}

// shutdown stops intake first, then drains persisted messages through the
// backplane to the other gateways before the subscription goes away.
func shutdown(
	cfg *config.Config,
	server *http.Server,
	healthSrv *chatgrpc.HealthServer,
	cancelBridge context.CancelFunc,
	b *bridge.Bridge,
	chatSvc service.ChatService,
	wsHub *hub.Hub,
	directory *registry.Directory,
) {
	l := pkglog.L()
	healthSrv.SetServing(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		l.Warn().Err(err).Msg("http server forced to shutdown")
	}

	// Hijacked WebSocket connections outlive server.Shutdown; close them so
	// no read pump dispatches into draining lanes.
	if err := wsHub.Shutdown(ctx); err != nil {
		l.Warn().Err(err).Msg("clients did not close in time")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Dispatch.DrainTimeout)
	defer drainCancel()
	if err := chatSvc.Stop(drainCtx); err != nil {
		l.Warn().Err(err).Msg("fan-out lanes not fully drained")
	}

	cancelBridge()
	select {
	case <-b.Done():
	case <-ctx.Done():
	}

	if directory != nil {
		directory.StopHeartbeat(ctx)
	}
	healthSrv.Shutdown()
}
