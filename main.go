package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"noos/audio"
	"noos/config"
	"noos/controller"
	"noos/database"
	"noos/handlers"
	"noos/sentry"
	"noos/stream"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warnf("Error loading .env file: %v", err)
	}
	cfg := config.NewConfig()
	if err := configureLogging(cfg.Server); err != nil {
		log.Fatalf("Error configuring logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		sentry.ReportError(err)
		sentry.Flush(2 * time.Second)
		log.Fatal(err)
	}
}

func configureLogging(cfg config.ServerConfig) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&nested.Formatter{
		FieldsOrder:     []string{"module", "session", "stream"},
		TimestampFormat: time.RFC3339,
		NoColors:        cfg.LogFile != "",
	})

	if cfg.LogFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     14,
	}))
	return nil
}

func run(ctx context.Context, cfg *config.ConfigStruct) error {
	if err := sentry.Init(cfg.Sentry.DSN, cfg.Sentry.Release); err != nil {
		log.Errorf("Error initializing sentry: %v", err)
	}
	defer sentry.Flush(2 * time.Second)

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.SeedCSV != "" {
		n, err := db.ImportCSVFile(cfg.Database.SeedCSV)
		if err != nil {
			return err
		}
		log.Infof("imported %d tracks from %s", n, cfg.Database.SeedCSV)
	}

	ctrl := controller.NewController(db, controller.Options{
		Store: audio.StoreOptions{
			FadeOut:   cfg.Playback.FadeOut,
			FadeIn:    cfg.Playback.FadeIn,
			Volume:    cfg.Playback.DefaultVolume,
			WrapOnEnd: cfg.Playback.WrapOnEnd,
		},
		NewBackend: func(sink audio.Sink) audio.Backend {
			return audio.NewFFmpegBackend(sink, audio.FFmpegOptions{
				Binary:          cfg.FFmpeg.Path,
				ReadTimeout:     cfg.FFmpeg.ReadTimeout,
				RequireListener: cfg.Playback.RequireListener,
			})
		},
		Stream: stream.HTTPOptions{
			Binary:  cfg.FFmpeg.Path,
			Bitrate: cfg.Stream.MP3Bitrate,
		},
		OpusBitrate: cfg.Stream.AudioBitrate,
		IdleTimeout: cfg.Server.IdleTimeout(),
	})
	defer ctrl.Close()

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery(), sentry.GetSentryGin())
	handlers.NewManager(ctrl, db).RegisterRoutes(router)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// long lived streams only end once their sessions close
	server.RegisterOnShutdown(ctrl.Close)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Starting server on :%s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return ctrl.RunReaper(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
