package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/anomaly"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/audit"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/auth"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/confirm"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/metrics"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/policy"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/registry"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/server"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/trust"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("MCP_GATE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	port := envOrDefault("MCP_GATE_PORT", "50054")
	metricsPort := envOrDefault("MCP_GATE_METRICS_PORT", "9464")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	natsURL := os.Getenv("NATS_URL")
	policyFile := os.Getenv("MCP_GATE_POLICY_FILE")
	staticKeys := os.Getenv("MCP_GATE_STATIC_KEYS")
	sweepInterval := envOrDefaultInt("MCP_GATE_SWEEP_INTERVAL_S", 60)
	baselineInterval := envOrDefaultInt("MCP_GATE_BASELINE_INTERVAL_S", 300)
	authCacheTTL := envOrDefaultInt("MCP_GATE_AUTH_CACHE_TTL_S", 30)
	toolCacheTTL := envOrDefaultInt("MCP_GATE_TOOL_CACHE_TTL_S", 60)
	maxToolsPerMinute := envOrDefaultInt("MCP_GATE_MAX_TOOLS_PER_MINUTE", 10)

	logger.Info("starting mcp gate server",
		zap.String("port", port),
		zap.String("metrics_port", metricsPort),
		zap.Int("max_tools_per_minute", maxToolsPerMinute),
	)

	m := metrics.New(prometheus.DefaultRegisterer)
	ctx := context.Background()

	// Postgres backs trust, policy, API keys and tool definitions when configured.
	var db *sql.DB
	if postgresDSN != "" {
		var err error
		db, err = openPostgres(ctx, postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		logger.Info("postgres connected")
	} else {
		logger.Info("no POSTGRES_DSN set, trust and policy state is kept in memory")
	}

	// Trust
	var trustStore trust.Store
	if db != nil {
		s := trust.NewSQLStore(db, trust.DialectPostgres)
		if err := s.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to prepare trust table", zap.Error(err))
		}
		trustStore = s
	}
	trustManager := trust.NewManager(trustStore, logger)
	if err := trustManager.Load(ctx); err != nil {
		logger.Fatal("failed to load trust records", zap.Error(err))
	}

	// Policy
	var policyStore policy.Store
	if db != nil {
		s := policy.NewPostgresStore(db)
		if err := s.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to prepare policy table", zap.Error(err))
		}
		policyStore = s
	}
	policies := policy.NewEngine(policyStore, logger)
	if err := policies.Load(ctx); err != nil {
		logger.Fatal("failed to load policies", zap.Error(err))
	}
	if policyFile != "" {
		cfg, err := policy.LoadFile(policyFile)
		if err != nil {
			logger.Fatal("invalid policy file", zap.String("path", policyFile), zap.Error(err))
		}
		if err := policies.Apply(ctx, cfg); err != nil {
			logger.Fatal("failed to apply policy file", zap.String("path", policyFile), zap.Error(err))
		}
		logger.Info("policy file applied", zap.String("path", policyFile))
	}
	policies.StartSweep(time.Duration(sweepInterval) * time.Second)
	defer policies.StopSweep()

	// Audit: ClickHouse, or the zap log without a DSN
	var sink audit.Sink
	if clickhouseDSN != "" {
		chWriter, err := audit.NewClickHouseWriter(clickhouseDSN, m, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			sink = audit.NewLogWriter(logger)
		} else {
			sink = chWriter
			logger.Info("clickhouse audit writer connected")
		}
	} else {
		sink = audit.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer sink.Close()

	// Anomaly detection, publishing to NATS when configured
	var publisher anomaly.Publisher
	if natsURL != "" {
		p, err := anomaly.NewNATSPublisher(natsURL, logger)
		if err != nil {
			logger.Warn("nats connection failed, anomalies will not be published", zap.Error(err))
		} else {
			defer p.Close()
			publisher = p
			logger.Info("nats publisher connected")
		}
	}
	thresholds := anomaly.DefaultThresholds()
	thresholds.MaxToolsPerMinute = maxToolsPerMinute
	detector := anomaly.New(anomaly.Config{
		Thresholds: thresholds,
		Publisher:  publisher,
		Metrics:    m,
		Logger:     logger,
	})
	detector.StartMaintenance(time.Duration(baselineInterval)*time.Second, time.Duration(sweepInterval)*time.Second)
	defer detector.Close()
	defer detector.StopMaintenance()

	// Auth: Postgres keys when a DSN is provided, otherwise static keys
	var authenticator auth.Authenticator
	if db != nil {
		if err := auth.EnsureKeysSchema(ctx, db); err != nil {
			logger.Fatal("failed to prepare api key table", zap.Error(err))
		}
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			Logger:   logger,
		})
		logger.Info("postgres authenticator ready")
	} else {
		keys, err := auth.ParseStaticKeys(staticKeys)
		if err != nil {
			logger.Fatal("invalid MCP_GATE_STATIC_KEYS", zap.Error(err))
		}
		if len(keys) == 0 {
			logger.Warn("no API keys configured, every request will be rejected")
		}
		authenticator = auth.NewStaticAuthenticator(keys)
		logger.Info("using static authenticator", zap.Int("keys", len(keys)))
	}

	// Tool registry: Postgres if configured, otherwise base sanitizer options only
	var toolRegistry registry.ToolRegistry
	if db != nil {
		if err := registry.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("failed to prepare tool definition table", zap.Error(err))
		}
		toolRegistry = registry.NewPostgresToolRegistry(registry.PostgresToolRegistryConfig{
			DB:       db,
			CacheTTL: time.Duration(toolCacheTTL) * time.Second,
			Logger:   logger,
		})
	}

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	gateServer := server.NewGateServer(server.Config{
		Auth:     authenticator,
		Trust:    trustManager,
		Policies: policies,
		Confirm:  confirm.NewEngine(trustManager, policies, sink, m, logger),
		Detector: detector,
		Tools:    toolRegistry,
		Audit:    sink,
		Metrics:  m,
		Logger:   logger,
	})
	server.RegisterGateServiceServer(grpcServer, gateServer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	// Metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + metricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// Listen
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", port), zap.Error(err))
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
		grpcServer.GracefulStop()
	}()

	logger.Info("mcp gate server listening", zap.String("addr", lis.Addr().String()))
	if err := grpcServer.Serve(lis); err != nil {
		logger.Fatal("grpc server failed", zap.Error(err))
	}
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
