package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kortex-backend/internal/blob"
	"kortex-backend/internal/config"
	"kortex-backend/internal/observability"
	"kortex-backend/internal/retrieval"
)

func main() {
	ctx := context.Background()

	env := config.Environment(envOr("APP_ENV", string(config.Development)))
	cfg, err := config.NewLoader(envOr("CONFIG_PATH", "config"), env).Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(string(cfg.Environment), cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Graph.Region))
	if err != nil {
		log.Fatalf("Failed to load AWS configuration: %v", err)
	}
	dynamoClient := dynamodb.NewFromConfig(awsCfg)

	metrics := observability.NewCollector("kortex")

	blobService := blob.NewHTTPService(cfg.Blob.BaseURL, cfg.Blob.APIKey, cfg.Blob.RequestTimeout, logger)
	mappings := blob.NewDynamoMappingStore(dynamoClient, cfg.Graph.TableName)
	transformer, err := blob.NewTransformer(blobService, mappings, cfg.Blob.CompressionLevel, metrics, logger)
	if err != nil {
		log.Fatalf("Failed to create blob transformer: %v", err)
	}

	search := retrieval.NewHTTPSearchService(cfg.Retrieval.SearchBaseURL,
		cfg.Retrieval.SearchAPIKey, cfg.Blob.RequestTimeout, logger)
	provider := retrieval.NewAnthropicProvider(cfg.Retrieval.AnthropicAPIKey)
	models := []retrieval.ModelConfig{{Key: "default", Name: cfg.Retrieval.DefaultModel}}

	orchestrator, err := retrieval.NewOrchestrator(provider, search, search, transformer,
		models, metrics, logger,
		retrieval.WithMaxHops(cfg.Retrieval.MaxHops),
		retrieval.WithSearchLimit(cfg.Retrieval.SearchLimit))
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(5 * time.Minute))

	api := &apiServer{orchestrator: orchestrator, logger: logger}
	router.Post("/v1/ask", api.handleAsk)
	router.Get("/healthz", api.handleHealth)
	router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.Retrieval.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("retrieval api listening", zap.String("addr", cfg.Retrieval.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down retrieval api")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
}

type apiServer struct {
	orchestrator *retrieval.Orchestrator
	logger       *zap.Logger
}

// handleAsk runs one retrieval and streams its frames as server-sent events.
// The final answer is emitted as the "answer" event; pipeline failures arrive
// as an "error" event on the same stream.
func (s *apiServer) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req retrieval.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := func(frame retrieval.Frame) {
		writeSSE(w, frame)
		flusher.Flush()
	}

	answer, err := s.orchestrator.Ask(r.Context(), req, sink)
	if err != nil {
		// The orchestrator already emitted the error frame.
		s.logger.Warn("retrieval failed", zap.Error(err))
		return
	}

	data, err := json.Marshal(answer)
	if err != nil {
		s.logger.Error("failed to encode answer", zap.Error(err))
		return
	}
	writeSSE(w, retrieval.Frame{Event: "answer", Data: data})
	flusher.Flush()
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeSSE(w http.ResponseWriter, frame retrieval.Frame) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Event, frame.Data)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
