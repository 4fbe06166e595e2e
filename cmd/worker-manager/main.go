// cmd/worker-manager/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"nlcqe-workers/internal/common/aws"
	"nlcqe-workers/internal/common/camunda"
	"nlcqe-workers/internal/common/config"
	"nlcqe-workers/internal/common/database"
	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/common/observability"
	"nlcqe-workers/internal/engine/actionplan"
	"nlcqe-workers/internal/engine/audit"
	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/engine/classifier"
	"nlcqe-workers/internal/engine/executor"
	"nlcqe-workers/internal/engine/fallback"
	"nlcqe-workers/internal/engine/gate"
	"nlcqe-workers/internal/engine/notify"
	"nlcqe-workers/internal/engine/pipeline"
	"nlcqe-workers/internal/engine/queryplan"
	"nlcqe-workers/internal/engine/session"
	"nlcqe-workers/internal/engine/snapshot"

	ch "nlcqe-workers/internal/workers/assistant/clear-history"
	cu "nlcqe-workers/internal/workers/assistant/classify-utterance"
	gh "nlcqe-workers/internal/workers/assistant/get-history"
	rc "nlcqe-workers/internal/workers/assistant/refresh-context"
	su "nlcqe-workers/internal/workers/assistant/submit-utterance"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.NewWithOutput(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting worker manager...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New(cfg.Observability.ServiceName,
		observability.WithJaeger(cfg.Observability.JaegerEndpoint),
		observability.WithSampleRatio(cfg.Observability.SampleRatio),
	)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init Zeebe Client (retries the topology request until the broker answers) ---
	zeebe, err := camunda.NewClientWithConfig(&camunda.ClientConfig{
		GatewayAddress:         cfg.Camunda.BrokerAddress,
		UsePlaintextConnection: true,
		RequestTimeout:         config.GetDuration(cfg.Camunda.RequestTimeout),
	})
	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	zapLog.Info("Zeebe client connected successfully")

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry (session store and snapshot cache) ---
	var rdb *database.RedisClient
	if cfg.Engine.Storage == config.StorageRedis {
		err = retryWithBackoff(func() error {
			var err error
			rdb, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return rdb.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer rdb.Close()
		zapLog.Info("Redis connected successfully")
	}

	// --- Init Elasticsearch with retry (action audit trail) ---
	var esClient *database.ElasticsearchClient
	if cfg.Database.Elasticsearch.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		zapLog.Info("Elasticsearch connected successfully")
	}

	engine, err := buildEngine(ctx, cfg, pg, rdb, esClient, log, obs)
	if err != nil {
		zapLog.Fatal("engine assembly failed", zap.Error(err))
	}
	zapLog.Info("Engine assembled")

	// --- Register workers ---
	workerTimeout := func(taskType string) time.Duration {
		return config.GetDuration(config.GetWorkerConfig(cfg, taskType).Timeout)
	}

	var workers []worker.JobWorker
	start := func(taskType string, handler camunda.JobHandler) {
		if jw := camunda.StartWorker(zeebe.GetClient(), taskType, config.GetWorkerConfig(cfg, taskType), handler, log, obs); jw != nil {
			workers = append(workers, jw)
		}
	}

	start(su.TaskType, su.NewHandler(&su.Config{Timeout: workerTimeout(su.TaskType)}, engine, log))
	start(cu.TaskType, cu.NewHandler(&cu.Config{
		Timeout:              workerTimeout(cu.TaskType),
		AutoExecuteThreshold: cfg.Engine.AutoExecuteThreshold,
	}, engine, log))
	start(gh.TaskType, gh.NewHandler(&gh.Config{Timeout: workerTimeout(gh.TaskType)}, engine, log))
	start(ch.TaskType, ch.NewHandler(&ch.Config{Timeout: workerTimeout(ch.TaskType)}, engine, log))
	start(rc.TaskType, rc.NewHandler(&rc.Config{Timeout: workerTimeout(rc.TaskType)}, engine, log))

	zapLog.Info("Workers registered", zap.Int("count", len(workers)))

	// --- Health & Metrics Server ---
	server := &http.Server{Addr: cfg.Observability.HTTPAddress, Handler: healthMux(zeebe, pg, rdb)}
	go func() {
		zapLog.Info("Health/Metrics server listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping workers...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, jw := range workers {
		jw.Close()
		jw.AwaitClose()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping Health/Metrics server", zap.Error(err))
	}
	if err := zeebe.Close(); err != nil {
		zapLog.Error("Error closing Zeebe client", zap.Error(err))
	}

	zapLog.Info("Worker manager stopped gracefully")
}

// buildEngine assembles the process-wide engine. Caches, stores and the rate
// limiter live as long as the process.
func buildEngine(
	ctx context.Context,
	cfg *config.Config,
	pg *database.PostgresClient,
	rdb *database.RedisClient,
	esClient *database.ElasticsearchClient,
	log logger.Logger,
	obs *observability.Observability,
) (*pipeline.Engine, error) {
	ec := cfg.Engine

	source := catalog.Builtin()
	if ec.EntityRegistryPath != "" {
		source = catalog.FromFile(ec.EntityRegistryPath)
	}
	var catOpts []catalog.Option
	if ec.LiveSchema {
		catOpts = append(catOpts, catalog.WithLiveSchema(catalog.NewLiveSchema(pg.DB)))
	}
	cat := catalog.New(source, ec.CatalogTTLDuration(), log, catOpts...)
	schema, err := cat.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	rules, err := classifier.LoadRules(ec.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	if err := rules.CheckEntities(schema.Has); err != nil {
		return nil, fmt.Errorf("rules reference the catalog: %w", err)
	}
	cls, err := classifier.New(rules, classifier.WithMinConfidence(ec.MinConfidence))
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	execOpts := []executor.Option{}
	if esClient != nil {
		execOpts = append(execOpts, executor.WithAuditRecorder(audit.NewElasticsearchRecorder(esClient.Client, ec.AuditIndex, log)))
	} else {
		execOpts = append(execOpts, executor.WithAuditRecorder(audit.Noop{}))
	}
	if n := cfg.Notifications; n.Email.Enabled || n.SMS.Enabled || n.SNS.TopicARN != "" {
		clients, err := aws.NewClients(ctx, n.AWS.Region)
		if err != nil {
			return nil, fmt.Errorf("aws clients: %w", err)
		}
		execOpts = append(execOpts, executor.WithNotifier(notify.NewNotifier(n, clients.SES, clients.SNS, log)))
	}

	var (
		cache    snapshot.Cache
		sessions session.Store
	)
	if rdb != nil {
		cache = snapshot.NewRedisCache(rdb.Client)
		sessions = session.NewRedisStore(rdb.Client, ec.HistoryMaxTurns, ec.HistoryTTLDuration())
	} else {
		cache = snapshot.NewMemoryCache()
		sessions = session.NewMemoryStore(ec.HistoryMaxTurns, session.WithIdleTTL(ec.HistoryTTLDuration()))
	}

	deps := pipeline.Deps{
		Catalog:    cat,
		Classifier: cls,
		Queries:    queryplan.New(ec.ListLimit),
		Actions:    actionplan.New(),
		Gate:       gate.New(0, log),
		Executor:   executor.New(pg.DB, log, execOpts...),
		Snapshots:  snapshot.NewBuilder(pg.DB, cache, ec.SnapshotTTLDuration(), log),
		Sessions:   sessions,
	}
	if genai := cfg.APIs.GenAI; genai.Enabled() {
		deps.Fallback = fallback.New(fallback.NewHTTPGenerator(genai), log,
			fallback.WithRateLimit(genai.RequestsPerSecond, genai.Burst),
			fallback.WithTimeout(config.GetDuration(genai.Timeout)),
		)
	} else {
		log.Warn("generative fallback disabled", map[string]interface{}{"reason": "apis.genai.base_url is empty"})
	}

	return pipeline.New(deps, log,
		pipeline.WithAutoExecuteThreshold(ec.AutoExecuteThreshold),
		pipeline.WithObservability(obs),
	)
}

func healthMux(zeebe *camunda.Client, pg *database.PostgresClient, rdb *database.RedisClient) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := zeebe.HealthCheck(ctx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "zeebe unavailable")
			return
		}
		if err := pg.Ping(ctx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "postgres unavailable")
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctx); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "redis unavailable")
				return
			}
		}
		writeStatus(w, http.StatusOK, "ready")
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	return mux
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}
