package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"streamvault/internal/config"
	"streamvault/internal/downloader"
	"streamvault/internal/events"
	apphttp "streamvault/internal/http"
	"streamvault/internal/repository/sqlite"
	"streamvault/internal/service"
	"streamvault/internal/transfer"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth jwt secret not set, API is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	taskRepo := sqlite.NewTaskRepository(db)
	if err := taskRepo.Init(ctx); err != nil {
		logger.Fatalf("init task repository: %v", err)
	}
	taskService := service.NewTaskService(taskRepo)
	broadcaster := events.NewBroadcaster()

	router, closeExecutors, err := buildExecutors(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup transfers: %v", err)
	}
	defer closeExecutors()

	manager := downloader.NewManager(downloader.Config{
		DownloadDir:      cfg.Download.Dir,
		ProgressInterval: cfg.Download.ProgressInterval,
		Logger:           logger,
	}, taskService, router, broadcaster)

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start manager: %v", err)
	}
	if cfg.Download.Resume {
		if err := manager.Resume(ctx); err != nil {
			logger.Warnf("resume tasks: %v", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	apphttp.NewHandler(manager, broadcaster, cfg.Auth.JWTSecret).RegisterRoutes(engine)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: engine,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
}

// buildExecutors registers one transfer executor per supported URL scheme.
func buildExecutors(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*transfer.Router, func(), error) {
	router := transfer.NewRouter()
	router.Register(transfer.NewHTTPExecutor(transfer.HTTPConfig{
		StagingDir: cfg.Download.StagingDir,
	}), "http", "https")

	client, err := buildS3Client(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	router.Register(transfer.NewS3Executor(client, transfer.S3Config{
		StagingDir: cfg.Download.StagingDir,
	}), "s3")
	logger.Infof("s3 transfers enabled (region %s)", cfg.S3.Region)

	closers := []func(){}
	if cfg.Torrent.Enabled {
		torrents, err := transfer.NewTorrentExecutor(transfer.TorrentConfig{
			DataDir:    cfg.Torrent.DataDir,
			StagingDir: cfg.Download.StagingDir,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		router.Register(torrents, "magnet")
		closers = append(closers, torrents.Close)
	}

	return router, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

func buildS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.S3.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
