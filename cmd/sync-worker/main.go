package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kortex-backend/internal/auth"
	"kortex-backend/internal/blob"
	"kortex-backend/internal/config"
	"kortex-backend/internal/connector"
	apperrors "kortex-backend/internal/errors"
	"kortex-backend/internal/graph"
	"kortex-backend/internal/messaging"
	"kortex-backend/internal/observability"
	"kortex-backend/internal/processor"
	"kortex-backend/internal/ratelimit"
	"kortex-backend/internal/syncpoint"
)

// registry holds the connector sources compiled into this binary. Source
// packages register themselves from init.
var registry = connector.NewRegistry()

func init() {
	// The in-memory source ships in every build for local development.
	registry.Register("fake", func(instanceKey string, tokens *auth.TokenManager) (connector.Source, error) {
		return connector.NewFakeSource("fake", 25), nil
	})
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := config.Environment(envOr("APP_ENV", string(config.Development)))
	configPath := envOr("CONFIG_PATH", "config")
	cfg, err := config.NewLoader(configPath, env).Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(string(cfg.Environment), cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting sync worker",
		zap.String("environment", string(cfg.Environment)),
		zap.Strings("configSources", cfg.LoadedFrom),
		zap.Int("connectors", len(cfg.Sync.Connectors)))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Graph.Region))
	if err != nil {
		log.Fatalf("Failed to load AWS configuration: %v", err)
	}
	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	store := graph.NewDynamoStore(dynamoClient, cfg.Graph.TableName,
		cfg.Graph.ExternalIDIndex, cfg.Graph.EmailIndex, cfg.Graph.EdgeTargetIndex, logger)
	points := syncpoint.NewDynamoStore(dynamoClient, cfg.Graph.TableName)
	producer := messaging.NewEventBridgeProducer(eventbridge.NewFromConfig(awsCfg),
		cfg.Messaging.EventBusName, cfg.Messaging.Source, cfg.Messaging.MaxRetries, logger)

	metrics := observability.NewCollector("kortex")

	blobService := blob.NewHTTPService(cfg.Blob.BaseURL, cfg.Blob.APIKey, cfg.Blob.RequestTimeout, logger)
	mappings := blob.NewDynamoMappingStore(dynamoClient, cfg.Graph.TableName)
	transformer, err := blob.NewTransformer(blobService, mappings, cfg.Blob.CompressionLevel, metrics, logger)
	if err != nil {
		log.Fatalf("Failed to build blob transformer: %v", err)
	}

	credentials := auth.NewDynamoCredentialStore(dynamoClient, cfg.Graph.TableName)
	tokens := auth.NewTokenManager(credentials, cfg.Auth.RefreshLead, logger)

	proc := processor.New(store, producer, metrics, logger, processor.WithUploader(transformer))
	limiter := ratelimit.NewLimiter(cfg.Sync.RatePerSecond, cfg.Sync.RateOverrides)

	watcher, err := config.NewWatcher(cfg, configPath, logger)
	if err != nil {
		log.Fatalf("Failed to start config watcher: %v", err)
	}
	defer watcher.Close()
	watcher.OnReload(func(next *config.Config) {
		limiter.SetDefaultRate(next.Sync.RatePerSecond)
	})

	engines, err := buildEngines(cfg, proc, store, points, limiter, metrics, tokens, logger)
	if err != nil {
		log.Fatalf("Failed to build connector engines: %v", err)
	}
	if len(engines) == 0 {
		log.Fatalf("No connectors configured; nothing to sync")
	}

	for _, e := range engines {
		if err := e.engine.Init(ctx); err != nil {
			log.Fatalf("Failed to initialize connector %s: %v", e.name, err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runSyncLoop(ctx, cfg.Sync, engines, logger)
	}()

	var webhookServer *http.Server
	if cfg.Sync.WebhookAddr != "" {
		webhookServer = startWebhookServer(cfg.Sync.WebhookAddr, engines, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down sync worker")
	cancel()

	if webhookServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := webhookServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("webhook server shutdown failed", zap.Error(err))
		}
		shutdownCancel()
	}

	select {
	case <-done:
		logger.Info("sync worker stopped")
	case <-time.After(30 * time.Second):
		logger.Warn("sync worker shutdown timeout exceeded")
	}

	for _, e := range engines {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.engine.Cleanup(cleanupCtx); err != nil {
			logger.Warn("connector cleanup failed", zap.String("connector", e.name), zap.Error(err))
		}
		cleanupCancel()
	}
}

// namedEngine pairs an engine with the external groups it syncs.
type namedEngine struct {
	name   string
	engine *connector.Engine
	groups []string
}

func buildEngines(cfg *config.Config, proc *processor.Processor, store graph.Store,
	points syncpoint.Store, limiter *ratelimit.Limiter, metrics *observability.Collector,
	tokens *auth.TokenManager, logger *zap.Logger) ([]namedEngine, error) {

	var engines []namedEngine
	for _, inst := range cfg.Sync.Connectors {
		source, err := registry.New(inst.Name, inst.InstanceKey, tokens)
		if err != nil {
			return nil, err
		}
		engine := connector.NewEngine(source, proc, store, points, limiter, metrics,
			logger.With(zap.String("connector", inst.Name), zap.String("instance", inst.InstanceKey)),
			connector.WithBatchSize(cfg.Sync.BatchSize),
			connector.WithPrincipal(inst.Principal),
			connector.WithInitRetry(cfg.Sync.InitMaxAttempts, cfg.Sync.InitBackoff),
		)
		groups := inst.Groups
		if len(groups) == 0 {
			groups = []string{""}
		}
		engines = append(engines, namedEngine{name: inst.Name, engine: engine, groups: groups})
	}
	return engines, nil
}

// runSyncLoop drives every engine on the configured interval until the
// context is canceled. Syncs fan out with bounded parallelism; one failing
// scope never stops the others.
func runSyncLoop(ctx context.Context, cfg config.SyncConfig, engines []namedEngine, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		syncAll(ctx, cfg.MaxParallelism, engines, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func syncAll(ctx context.Context, parallelism int, engines []namedEngine, logger *zap.Logger) {
	// Directory passes run first so principals exist before records name them.
	dg, dctx := errgroup.WithContext(ctx)
	dg.SetLimit(parallelism)
	for _, e := range engines {
		e := e
		dg.Go(func() error {
			if err := e.engine.SyncDirectory(dctx); err != nil {
				logger.Error("directory sync failed",
					zap.String("connector", e.name),
					zap.Error(err))
			}
			return nil
		})
	}
	dg.Wait()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, e := range engines {
		for _, group := range e.groups {
			e, group := e, group
			g.Go(func() error {
				if err := e.engine.Sync(gctx, group); err != nil {
					logger.Error("sync failed",
						zap.String("connector", e.name),
						zap.String("group", group),
						zap.Error(err))
				}
				// Errors are logged per scope, not propagated, so sibling
				// scopes keep running.
				return nil
			})
		}
	}
	g.Wait()
}

// startWebhookServer exposes POST /webhooks/{connector} so sources that push
// change notifications can trigger a targeted sync.
func startWebhookServer(addr string, engines []namedEngine, logger *zap.Logger) *http.Server {
	byName := make(map[string]*connector.Engine, len(engines))
	for _, e := range engines {
		byName[e.name] = e.engine
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Post("/webhooks/{connector}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "connector")
		engine, ok := byName[name]
		if !ok {
			http.Error(w, "unknown connector", http.StatusNotFound)
			return
		}
		payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "unreadable payload", http.StatusBadRequest)
			return
		}
		signature := r.Header.Get("X-Webhook-Signature")
		if err := engine.HandleWebhook(r.Context(), payload, signature); err != nil {
			logger.Warn("webhook handling failed", zap.String("connector", name), zap.Error(err))
			switch apperrors.KindOf(err) {
			case apperrors.KindPermissionDenied:
				http.Error(w, "invalid signature", http.StatusUnauthorized)
			case apperrors.KindNotFound:
				http.Error(w, "not found", http.StatusNotFound)
			default:
				http.Error(w, "sync failed", http.StatusInternalServerError)
			}
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("webhook listener started", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("webhook server failed", zap.Error(err))
		}
	}()
	return server
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
