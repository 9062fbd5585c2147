package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/mail-bridge/internal/api"
	"github.com/Martian-dev/mail-bridge/internal/auth"
	"github.com/Martian-dev/mail-bridge/internal/config"
	"github.com/Martian-dev/mail-bridge/internal/eventstore/sqlite"
	"github.com/Martian-dev/mail-bridge/internal/logger"
	natsjs "github.com/Martian-dev/mail-bridge/internal/nats"
	"github.com/Martian-dev/mail-bridge/internal/providers/gmail"
	"github.com/Martian-dev/mail-bridge/internal/redis"
	"github.com/Martian-dev/mail-bridge/internal/sync"
)

func main() {
	cfg, err := config.Load(
		config.GetEnv("CONFIG_FILE", "config/base.yaml"),
		config.GetEnv("CONFIG_ENV", ""),
	)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("Bridge stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.Storage.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	creds := newCredentials(cfg, zlog)
	provider := gmail.New(creds, cfg.Gmail.UserID)

	runner := &sync.Runner{
		Cursors:     store,
		Resolver:    sync.NewResolver(provider, zlog.Named("resolver")),
		Fetcher:     sync.NewFetcher(provider),
		Sink:        store,
		Logger:      zlog.Named("runner"),
		Collection:  cfg.Ingest.Collection,
		Labels:      sync.NewLabelSet(cfg.Ingest.InterestingLabels...),
		Concurrency: cfg.Ingest.Concurrency,
	}

	registrar := &sync.Registrar{
		Watcher:  provider,
		Store:    store,
		Topic:    cfg.Gmail.TopicName,
		LabelIDs: cfg.Gmail.LabelIDs,
		Logger:   zlog.Named("registrar"),
	}
	go registrar.RunRenewal(ctx, cfg.Watch.RenewInterval, cfg.Watch.RenewBefore)

	checks := map[string]api.Check{"sqlite": store.Ping}

	if cfg.NATS.URL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return err
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(ctx); err != nil {
			return err
		}
		checks["nats"] = func(context.Context) error {
			if !publisher.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}

		dispatcher := &sync.Dispatcher{
			Store:     store,
			Publisher: publisher,
			Logger:    zlog.Named("outbox"),
		}
		go dispatcher.Run(ctx)
		zlog.Info("Outbox dispatcher started", zap.String("nats_url", cfg.NATS.URL), zap.String("stream", cfg.NATS.Stream))
	}

	// nil interfaces must stay untyped nil so the push handler skips them
	var deduper api.Deduper
	if cfg.Redis.Addr != "" {
		d := redis.NewDeduper(
			redis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB),
			cfg.Redis.DedupTTL,
			zlog.Named("dedup"),
		)
		defer d.Close()
		checks["redis"] = d.Ping
		deduper = d
	}

	var verifier api.Verifier
	if cfg.PubSub.VerifyToken {
		v, err := auth.NewPushVerifier(ctx, auth.PushVerifierConfig{
			JWKSURL:  cfg.PubSub.JWKSURL,
			Audience: cfg.PubSub.Audience,
			Issuers:  cfg.PubSub.Issuers,
			Email:    cfg.PubSub.ServiceAccountEmail,
		})
		if err != nil {
			return err
		}
		verifier = v
	}

	router := api.NewRouter(
		api.NewPushHandler(runner, verifier, deduper, zlog.Named("push")),
		api.NewWatchHandler(registrar, store, zlog.Named("watch")),
		api.NewEmailQueryHandler(store, cfg.Ingest.Collection),
		api.NewHealthHandler(checks),
		zlog.Named("http"),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	zlog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newCredentials(cfg *config.Config, zlog *zap.Logger) *auth.Credentials {
	if cfg.Gmail.KeyFile != "" {
		return auth.NewServiceAccount(auth.ServiceAccountConfig{
			KeyFile: cfg.Gmail.KeyFile,
			Scopes:  cfg.Gmail.Scopes,
			Subject: cfg.Gmail.Subject,
		}, zlog.Named("auth"))
	}
	return auth.NewUserToken(auth.UserTokenConfig{
		CredentialsFile: cfg.Gmail.CredentialsFile,
		TokenFile:       cfg.Gmail.TokenFile,
		Scopes:          cfg.Gmail.Scopes,
	}, zlog.Named("auth"))
}
