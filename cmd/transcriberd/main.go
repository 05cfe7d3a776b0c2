package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"transcriberd/internal/api"
	"transcriberd/internal/auth"
	"transcriberd/internal/config"
	fileutil "transcriberd/internal/file"
	"transcriberd/internal/media"
	"transcriberd/internal/task"
	"transcriberd/internal/whisper"
)

func main() {
	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}
	setupLogging(cfg.DataDir)

	token, err := auth.BootstrapToken(cfg.Token, cfg.TokenPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.TokenPath).Msg("token file write failed")
	}

	store, err := task.OpenSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open task store")
	}
	defer store.Close()

	transcriber := whisper.NewService(whisper.Config{
		BinPath:     cfg.WhisperBin,
		FFprobePath: cfg.FFprobeBin,
		ModelPath:   cfg.ModelPath,
		Language:    cfg.Language,
	})
	engine := task.NewEngine(task.Options{
		DataDir:     cfg.DataDir,
		Store:       store,
		Downloader:  &media.YtDlp{BinPath: cfg.YtDlpBin, FFmpegPath: cfg.FFmpegBin},
		Transcriber: transcriber,
	})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	if err := engine.Start(baseCtx); err != nil {
		log.Fatal().Err(err).Msg("start task engine")
	}

	idle := task.NewIdleMonitor(engine, time.Duration(cfg.IdleSeconds)*time.Second)
	go idle.Run(baseCtx)

	shutdownCh := make(chan struct{}, 1)
	requestShutdown := func() {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	}
	router := setupRouter()
	api.NewAPI(engine, transcriber, cfg.DataDir, token, requestShutdown).RegisterRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal(shutdownCh)
	gracefulShutdown(srv, baseCancel, engine, shutdownTimeout)
}

func setupLogging(dataDir string) {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	writer := io.Writer(console)
	logPath := filepath.Join(dataDir, "service.log")
	if logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err == nil {
		writer = zerolog.MultiLevelWriter(console, logFile)
	}
	log.Logger = log.Output(writer)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func waitForShutdownSignal(requested <-chan struct{}) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case <-requested:
		log.Info().Msg("shutdown requested by bridge")
	}
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, engine *task.Engine, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}
	cancelBase()
	if !engine.Stop(ctx) {
		log.Warn().Msg("worker did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
