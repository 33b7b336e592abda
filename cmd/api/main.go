package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"folio/api/internal/app"
	"folio/api/internal/cache"
	"folio/api/internal/collab"
	"folio/api/internal/config"
	"folio/api/internal/email"
	"folio/api/internal/logging"
	"folio/api/internal/media"
	"folio/api/internal/notify"
	"folio/api/internal/search"
	"folio/api/internal/session"
	"folio/api/internal/store"
	"folio/api/internal/util"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// serviceGate lets the hub ask the service about room access. The service is
// assigned after the hub exists, since the service also emits through it.
type serviceGate struct {
	svc *app.Service
}

func (g *serviceGate) CanJoinPage(ctx context.Context, userID, pageID string) (bool, error) {
	return g.svc.CanJoinPage(ctx, userID, pageID)
}

func (g *serviceGate) CanJoinWorkspace(ctx context.Context, userID, workspaceID string) (bool, error) {
	return g.svc.CanJoinWorkspace(ctx, userID, workspaceID)
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	dataStore := store.NewPostgresStore(db)

	node := strings.TrimSpace(cfg.NodeID)
	if node == "" {
		node = util.NewHandle()
	}
	hubOpts := []collab.HubOption{collab.WithNode(node)}

	deps := app.Deps{Store: dataStore, Logger: logger}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err = session.Connect(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("using redis for sessions, cache and room bridge")
		tokens := session.NewRedisStoreWithClient(redisClient, dataStore)
		deps.Tokens = tokens
		deps.Redis = tokens
		deps.Cache = cache.New(redisClient, logger)
	} else {
		logger.Info("redis not configured, sessions in postgres and rooms local to this node")
	}

	var bridge *collab.RedisBridge
	if redisClient != nil {
		bridge = collab.NewRedisBridge(redisClient, node, logger)
		hubOpts = append(hubOpts, collab.WithPublisher(bridge))
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), logger)
	deps.Search = searchService
	go searchService.ReindexAllFromPG(ctx)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Info("smtp not configured, notification emails disabled")
	}
	worker := notify.NewWorker(dataStore, mailer, logger)

	var queue notify.Queue
	if strings.TrimSpace(cfg.NATSURL) != "" {
		natsQueue, err := notify.NewNATSQueue(notify.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSEmailSubject,
			Name:    "folio-api-" + node,
		}, logger)
		if err != nil {
			logger.Fatal("nats connection failed", zap.Error(err))
		}
		if err := natsQueue.Consume(worker); err != nil {
			logger.Fatal("nats subscribe failed", zap.Error(err))
		}
		queue = natsQueue
	} else {
		queue = notify.NewInlineQueue(worker)
	}
	defer queue.Close()

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		uploads, err := media.New(media.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			TTL:       cfg.UploadTTL,
		})
		if err != nil {
			logger.Fatal("object storage setup failed", zap.Error(err))
		}
		if err := uploads.EnsureBucket(ctx); err != nil {
			logger.Warn("ensure upload bucket failed", zap.String("bucket", cfg.S3Bucket), zap.Error(err))
		}
		deps.Uploads = uploads
	}

	gate := &serviceGate{}
	hub := collab.NewHub(logger, append(hubOpts, collab.WithGate(gate))...)
	deps.Hub = hub
	deps.Notifier = notify.NewDispatcher(dataStore, hub, queue, cfg.AppURL, logger)

	service := app.New(cfg, deps)
	gate.svc = service

	go hub.Run(ctx)
	if bridge != nil {
		go func() {
			if err := bridge.Run(ctx, hub); err != nil && ctx.Err() == nil {
				logger.Error("room bridge stopped", zap.Error(err))
			}
		}()
	}
	go notify.RunRetention(ctx, dataStore, 6*time.Hour, logger)

	socket := collab.NewHandler(ctx, hub, service, collab.ConnConfig{
		PingPeriod:      cfg.WSPingPeriod,
		PongWait:        cfg.WSPongWait,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		SendBuffer:      cfg.WSSendBuffer,
	}, cfg.CORSOrigin)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, socket, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("folio api listening", zap.String("addr", cfg.Addr), zap.String("node", node))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	stop()
}
