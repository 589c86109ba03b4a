// Command pixelpipe runs the product-image enrichment service: webhook
// intake, the job processor and the admin control plane in a single process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pixelpipe.3jms.dev/api"
	"pixelpipe.3jms.dev/common"
	"pixelpipe.3jms.dev/config"
	"pixelpipe.3jms.dev/executor"
	"pixelpipe.3jms.dev/intake"
	"pixelpipe.3jms.dev/processor"
	"pixelpipe.3jms.dev/providers"
	"pixelpipe.3jms.dev/storage"
	"pixelpipe.3jms.dev/store"
	"pixelpipe.3jms.dev/version"
)

func main() {
	cfgFile := flag.String("config", "", "path to a config file (optional)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	log := common.Logger
	log.WithFields(map[string]interface{}{
		"service":     cfg.Service.Name,
		"version":     version.Version(),
		"environment": cfg.Service.Environment,
	}).Info("starting pixelpipe")

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open job store: ", err)
	}
	defer s.Close()
	log.WithField("path", cfg.Database.Path).Info("job store ready")

	ctx := context.Background()
	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to connect object store: ", err)
	}

	exec := executor.New(executor.Deps{
		Store:      s,
		Objects:    objects,
		Segmenter:  &providers.FakeSegmenter{Store: objects},
		Generator:  &providers.FakeBackgroundGenerator{Store: objects},
		AIComposer: buildAICompositor(cfg, objects),
		Storefront: providers.NewFakeStorefront(),
	}, executor.Config{
		PresignTTL: cfg.Storage.PresignTTL,
	})

	proc := processor.New(s, exec, processor.Config{
		PollInterval: cfg.Processor.PollInterval,
		Concurrency:  cfg.Processor.Concurrency,
		MaxRetries:   cfg.Processor.MaxRetries,
		LeaseTTL:     cfg.Processor.LeaseTTL,
	})
	if err := proc.Start(); err != nil {
		log.Fatal("failed to start processor: ", err)
	}
	log.WithField("owner", proc.Owner()).Info("processor running")

	srv := api.NewServer(api.Deps{
		Store:     s,
		Objects:   objects,
		Intake:    intake.New(s, cfg.Webhook, cfg.IsProduction()),
		Processor: proc,
		Executor:  exec,
	}, api.Config{
		BodyLimit:  cfg.Server.BodyLimit,
		RateLimit:  cfg.Server.RateLimit,
		PresignTTL: cfg.Storage.PresignTTL,
		MaxRetries: cfg.Processor.MaxRetries,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("http server listening")
		errCh <- srv.Start(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		log.Error("http server stopped: ", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown: ", err)
	}
	if err := proc.Stop(shutdownCtx); err != nil {
		log.Error("processor shutdown: ", err)
	}
	log.Info("pixelpipe stopped")
}

// buildObjectStore connects to the configured S3-compatible store. Without
// credentials or an endpoint outside production, artifacts live in memory so
// the service runs with no external dependencies.
func buildObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	if cfg.Storage.AccessKey == "" && cfg.Storage.Endpoint == "" && !cfg.IsProduction() {
		common.Logger.Warn("no object-store credentials, using in-memory storage")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewS3Store(ctx, storage.S3Config{
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		PathStyle: cfg.Storage.PathStyle,
	})
}

// buildAICompositor maps the configured variant to an adapter. The "none"
// variant means the deterministic compositor handles every composite.
func buildAICompositor(cfg *config.Config, objects storage.ObjectStore) providers.AICompositor {
	switch cfg.Providers.AICompositor {
	case "freepik", "nanobanana":
		common.Logger.WithField("variant", cfg.Providers.AICompositor).
			Warn("no concrete AI compositor adapter wired, using fake")
		return &providers.FakeAICompositor{Store: objects}
	default:
		return nil
	}
}
