// Command gatekeeper serves the StudyBuddy assistant over HTTP and,
// optionally, gRPC. Every request passes the rate limiter and chat answers
// are cached per user.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/studybuddy/gatekeeper"
	"github.com/studybuddy/gatekeeper/middleware"
	"github.com/studybuddy/gatekeeper/pkg/assistant"
	"github.com/studybuddy/gatekeeper/pkg/auth"
	"github.com/studybuddy/gatekeeper/pkg/backend"
	"github.com/studybuddy/gatekeeper/pkg/cache"
	"github.com/studybuddy/gatekeeper/pkg/config"
	"github.com/studybuddy/gatekeeper/pkg/gate"
	"github.com/studybuddy/gatekeeper/pkg/grpcapi"
	"github.com/studybuddy/gatekeeper/pkg/httpapi"
	"github.com/studybuddy/gatekeeper/pkg/inference"
	"github.com/studybuddy/gatekeeper/pkg/keys"
	"github.com/studybuddy/gatekeeper/pkg/metrics"
	"github.com/studybuddy/gatekeeper/pkg/ratelimit"
	"github.com/studybuddy/gatekeeper/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("gatekeeper stopped", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// stores are the shared backends of the limiter and the cache.
type stores struct {
	rate   ratelimit.Store
	cache  cache.Backend
	client *redis.Client
}

func openStores(cfg config.StorageConfig, cacheCfg config.CacheConfig) (stores, error) {
	if cfg.Type == config.StoreMemory {
		return stores{
			rate: ratelimit.NewMemoryStore(time.Minute),
			cache: cache.NewMemoryBackend(&cache.MemoryConfig{
				MaxSize:         cacheCfg.MaxEntries,
				CleanupInterval: time.Minute,
			}),
		}, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return stores{}, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opt)
	return stores{
		rate:   ratelimit.NewRedisStore(client, ratelimit.WithKeyPrefix(cfg.KeyPrefix)),
		cache:  cache.NewRedisBackend(client, cache.WithPrefix(cfg.KeyPrefix+"cache:")),
		client: client,
	}, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	tp, err := tracing.Setup(&tracing.Config{
		Enabled:           cfg.Tracing.Enabled,
		ServiceName:       "gatekeeper",
		ServiceVersion:    httpapi.Version,
		Environment:       cfg.Environment,
		CollectorEndpoint: cfg.Tracing.Endpoint,
		SamplingRate:      cfg.Tracing.SamplingRate,
		MaxExportBatch:    512,
		MaxQueueSize:      2048,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx, tp); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	collector, err := metrics.NewPrometheusCollector()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	st, err := openStores(cfg.Storage, cfg.Cache)
	if err != nil {
		return err
	}

	breakerState := backend.WithStateListener(func(name string, to backend.State) {
		collector.RecordBreakerState(name, to.String())
	})
	limiter := ratelimit.New(st.rate,
		ratelimit.WithLogger(logger),
		ratelimit.WithGuard(backend.NewGuard("rate_limiter",
			backend.WithTimeout(cfg.Storage.Timeout),
			backend.WithLogger(logger),
			breakerState,
		)),
	)
	responses := cache.New(st.cache,
		cache.WithFailPolicy(cfg.Cache.FailPolicy),
		cache.WithLogger(logger),
		cache.WithGuard(backend.NewGuard("cache",
			backend.WithTimeout(cfg.Storage.Timeout),
			backend.WithLogger(logger),
			breakerState,
		)),
		cache.WithBulkGuard(backend.NewGuard("cache_bulk",
			backend.WithTimeout(30*time.Second),
			backend.WithLogger(logger),
			breakerState,
		)),
	)
	collector.ObserveCache(responses)
	defer func() {
		if err := limiter.Close(); err != nil {
			logger.Warn("close rate limit store", zap.Error(err))
		}
		if err := responses.Close(); err != nil {
			logger.Warn("close cache", zap.Error(err))
		}
		if st.client != nil {
			if err := st.client.Close(); err != nil {
				logger.Warn("close redis", zap.Error(err))
			}
		}
	}()

	// The service starts with a store down; the fail policy covers it.
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := limiter.Ping(pingCtx); err != nil {
		logger.Warn("rate limit store unreachable", zap.String("store", cfg.Storage.Type), zap.Error(err))
	}
	if err := responses.Ping(pingCtx); err != nil {
		logger.Warn("cache unreachable", zap.String("store", cfg.Storage.Type), zap.Error(err))
	}
	cancel()

	var gateOpts []gate.Option
	if tp != nil {
		gateOpts = append(gateOpts, gate.WithTracerProvider(tp))
	}
	g, err := newGate(cfg, limiter, responses, collector, logger, gateOpts...)
	if err != nil {
		return err
	}

	llm := inference.NewClient(cfg.Inference.Host,
		inference.WithHTTPClient(&http.Client{Timeout: cfg.Inference.Timeout}),
		inference.WithRateLimit(cfg.Inference.RequestsPerSecond, cfg.Inference.Burst),
		inference.WithMaxAttempts(cfg.Inference.MaxRetries),
		inference.WithLogger(logger),
	)
	am, err := auth.NewManager(cfg.Auth.Secret,
		auth.WithUsers(auth.DefaultUsers()),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
	)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	asst := assistant.New(g, llm,
		assistant.WithLogger(logger),
		assistant.WithDefaultModel(cfg.Inference.DefaultModel),
		assistant.WithAllowedModels(cfg.Inference.AllowedModels...),
		assistant.WithModelTTL(cfg.Cache.ModelTTL),
	)

	api := httpapi.NewServer(g, am, asst,
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(collector, collector.Handler()),
		httpapi.WithTrustProxy(cfg.Server.TrustProxyHeaders),
	)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcServer *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		grpcServer = newGRPCServer(cfg, g, am, asst, collector, logger)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("store", cfg.Storage.Type),
			zap.String("ollama", cfg.Inference.Host),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if grpcServer != nil {
		group.Go(func() error {
			lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			logger.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-shutdownCtx.Done():
				grpcServer.Stop()
			}
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// newGate builds the per-route policies: a general limit keyed by client,
// the API limit keyed by user on chat, and any RATE_LIMIT_ROUTES keyed by
// endpoint.
func newGate(cfg config.Config, limiter *ratelimit.Limiter, c *cache.Cache, collector *metrics.PrometheusCollector, logger *zap.Logger, extra ...gate.Option) (*gate.Gate, error) {
	general := gate.Policy{
		Calls:      cfg.RateLimit.General.Calls,
		Period:     cfg.RateLimit.General.Period,
		KeyFunc:    keys.ByClient,
		FailPolicy: cfg.RateLimit.FailPolicy,
		CacheTTL:   cfg.Cache.DefaultTTL,
	}
	chat := gate.Policy{
		Calls:      cfg.RateLimit.API.Calls,
		Period:     cfg.RateLimit.API.Period,
		KeyFunc:    keys.ByUser,
		FailPolicy: cfg.RateLimit.FailPolicy,
		CacheTTL:   cfg.Cache.DefaultTTL,
	}

	opts := []gate.Option{
		gate.WithDefaultPolicy(general),
		gate.WithRoute(httpapi.RouteGeneral, general),
		gate.WithRoute(httpapi.RouteChat, chat),
		gate.WithRoute(grpcapi.MethodChat, chat),
		gate.WithLogger(logger),
		gate.WithRecorder(collector),
	}
	for route, rule := range cfg.RateLimit.Routes {
		opts = append(opts, gate.WithRoute(route, gate.Policy{
			Calls:      rule.Calls,
			Period:     rule.Period,
			KeyFunc:    keys.ByEndpoint,
			FailPolicy: cfg.RateLimit.FailPolicy,
			CacheTTL:   cfg.Cache.DefaultTTL,
		}))
	}
	if cfg.Cache.SingleFlight {
		opts = append(opts, gate.WithSingleFlight())
	}
	opts = append(opts, extra...)

	g, err := gate.New(limiter, c, opts...)
	if err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	return g, nil
}

func newGRPCServer(cfg config.Config, g *gate.Gate, am *auth.Manager, a *assistant.Assistant, collector *metrics.PrometheusCollector, logger *zap.Logger) *grpc.Server {
	rateOpts := []middleware.RateLimitOption{
		middleware.WithUnlimitedMethod("/grpc.health.v1.Health/Check"),
		middleware.WithUnlimitedMethod("/grpc.health.v1.Health/Watch"),
	}
	cacheOpts := []middleware.CacheOption{
		middleware.WithOnlyMethod(grpcapi.MethodChat),
		middleware.WithMethodTTL(grpcapi.MethodChat, cfg.Cache.DefaultTTL),
	}
	if cfg.Server.TrustProxyHeaders {
		rateOpts = append(rateOpts, middleware.WithTrustProxy())
		cacheOpts = append(cacheOpts, middleware.WithCacheTrustProxy())
	}

	chain := gatekeeper.NewChain(
		middleware.Metrics(collector),
		middleware.Auth(am),
		middleware.Logging(
			middleware.WithLogger(logger.Named("grpc")),
			middleware.WithSlowThreshold(5*time.Second),
		),
		middleware.RequireRole(auth.RoleAdmin, grpcapi.MethodClearCache),
		middleware.RateLimit(g, rateOpts...),
		middleware.Timeout(
			middleware.WithTimeout(10*time.Second),
			middleware.WithMethodTimeout(grpcapi.MethodChat, cfg.Inference.Timeout),
			middleware.WithTimeoutCallback(func(method string, timeout time.Duration) {
				logger.Warn("grpc deadline exceeded", zap.String("method", method), zap.Duration("timeout", timeout))
			}),
		),
		middleware.Cache(g, cacheOpts...),
	)

	opts := append(chain.ServerOptions(), grpc.StatsHandler(otelgrpc.NewServerHandler()))
	s := grpc.NewServer(opts...)
	grpcapi.RegisterStudyBuddyServer(s, grpcapi.NewService(a, g))

	hs := health.NewServer()
	hs.SetServingStatus(grpcapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}
