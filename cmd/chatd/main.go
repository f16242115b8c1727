// Command chatd starts the HarborChat API service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"harborchat/internal/api"
	"harborchat/internal/media"
	"harborchat/internal/objectstore"
	"harborchat/internal/observability/logging"
	"harborchat/internal/observability/metrics"
	"harborchat/internal/realtime"
	"harborchat/internal/server"
	"harborchat/internal/serverutil"
	"harborchat/internal/storage"
	"harborchat/internal/uploads"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresConnLifetime := flag.Duration("postgres-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when opening a Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	brokerDriver := flag.String("broker-driver", "", "realtime broker driver (memory or redis)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the realtime broker")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the realtime broker")
	redisUsername := flag.String("redis-username", "", "Redis username for the realtime broker")
	redisPassword := flag.String("redis-password", "", "Redis password for the realtime broker")
	redisKeyPrefix := flag.String("redis-key-prefix", "", "key prefix for broker channels and presence keys")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name for the realtime broker")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections for the realtime broker")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	presenceTTL := flag.Duration("presence-ttl", 0, "liveness TTL for presence keys")
	presenceSelf := flag.String("presence-self", "", "peer identity announced on the presence channel (defaults to hostname)")
	objectDriver := flag.String("object-driver", "", "object store driver (memory or s3)")
	objectBucket := flag.String("object-bucket", "", "object storage bucket for attachments")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectPublicURL := flag.String("object-public-url", "", "public base URL for attachment links")
	ffprobePath := flag.String("ffprobe-path", "", "path to the ffprobe binary")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	disableProbe := flag.Bool("disable-media-probe", false, "skip ffmpeg metadata derivation for video and voice uploads")
	maxFileSize := flag.Int64("max-file-size", 0, "maximum accepted upload size in bytes")
	corsOrigins := flag.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(os.Getenv("HARBORCHAT_LOG_LEVEL"), *logLevel),
		Format: firstNonEmpty(os.Getenv("HARBORCHAT_LOG_FORMAT"), *logFormat),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("HARBORCHAT_ADDR"))
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8080"
	}

	ctx := context.Background()

	store, err := openStore(ctx, *storageDriver, *postgresDSN, postgresPoolOptions{
		maxConns:       resolveInt(*postgresMaxConns, "HARBORCHAT_POSTGRES_MAX_CONNS"),
		minConns:       resolveInt(*postgresMinConns, "HARBORCHAT_POSTGRES_MIN_CONNS"),
		connLifetime:   resolveDuration(*postgresConnLifetime, "HARBORCHAT_POSTGRES_CONN_LIFETIME", 0),
		healthInterval: resolveDuration(*postgresHealthInterval, "HARBORCHAT_POSTGRES_HEALTH_INTERVAL", 0),
		connectTimeout: resolveDuration(*postgresConnectTimeout, "HARBORCHAT_POSTGRES_CONNECT_TIMEOUT", 0),
		appName:        firstNonEmpty(*postgresAppName, os.Getenv("HARBORCHAT_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	broker, err := openBroker(realtime.RedisBrokerConfig{
		Addr:        firstNonEmpty(*redisAddr, os.Getenv("HARBORCHAT_REDIS_ADDR")),
		Addrs:       splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("HARBORCHAT_REDIS_ADDRS"))),
		Username:    firstNonEmpty(*redisUsername, os.Getenv("HARBORCHAT_REDIS_USERNAME")),
		Password:    firstNonEmpty(*redisPassword, os.Getenv("HARBORCHAT_REDIS_PASSWORD")),
		KeyPrefix:   firstNonEmpty(*redisKeyPrefix, os.Getenv("HARBORCHAT_REDIS_KEY_PREFIX")),
		MasterName:  firstNonEmpty(*redisMasterName, os.Getenv("HARBORCHAT_REDIS_SENTINEL_MASTER")),
		PoolSize:    resolveInt(*redisPoolSize, "HARBORCHAT_REDIS_POOL_SIZE"),
		PresenceTTL: resolveDuration(*presenceTTL, "HARBORCHAT_PRESENCE_TTL", 0),
		Logger:      logging.WithComponent(logger, "realtime"),
		TLS: realtime.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("HARBORCHAT_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("HARBORCHAT_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("HARBORCHAT_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("HARBORCHAT_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "HARBORCHAT_REDIS_TLS_SKIP_VERIFY"),
		},
	}, *brokerDriver, logger)
	if err != nil {
		logger.Error("failed to configure realtime broker", "error", err)
		os.Exit(1)
	}

	manager, err := realtime.NewManager(realtime.ManagerConfig{
		Broker:  broker,
		Logger:  logging.WithComponent(logger, "realtime"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to configure realtime manager", "error", err)
		os.Exit(1)
	}

	selfID := firstNonEmpty(*presenceSelf, os.Getenv("HARBORCHAT_PRESENCE_SELF"))
	if selfID == "" {
		if hostname, err := os.Hostname(); err == nil {
			selfID = hostname
		} else {
			selfID = "chatd"
		}
	}
	tracker, err := realtime.NewPresenceTracker(realtime.PresenceTrackerConfig{
		Broker:  broker,
		Manager: manager,
		SelfID:  selfID,
		Logger:  logging.WithComponent(logger, "presence"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to configure presence tracker", "error", err)
		os.Exit(1)
	}
	if err := tracker.Start(ctx); err != nil {
		logger.Error("failed to start presence tracker", "error", err)
		os.Exit(1)
	}

	objects, err := openObjectStore(ctx, *objectDriver, objectstore.S3Config{
		Bucket:          firstNonEmpty(*objectBucket, os.Getenv("HARBORCHAT_OBJECT_BUCKET")),
		Region:          firstNonEmpty(*objectRegion, os.Getenv("HARBORCHAT_OBJECT_REGION")),
		BaseEndpoint:    firstNonEmpty(*objectEndpoint, os.Getenv("HARBORCHAT_OBJECT_ENDPOINT")),
		AccessKeyID:     firstNonEmpty(*objectAccessKey, os.Getenv("HARBORCHAT_OBJECT_ACCESS_KEY")),
		SecretAccessKey: firstNonEmpty(*objectSecretKey, os.Getenv("HARBORCHAT_OBJECT_SECRET_KEY")),
		PublicBaseURL:   firstNonEmpty(*objectPublicURL, os.Getenv("HARBORCHAT_OBJECT_PUBLIC_URL")),
	})
	if err != nil {
		logger.Error("failed to configure object store", "error", err)
		os.Exit(1)
	}

	var prober media.Prober
	if !resolveBool(*disableProbe, "HARBORCHAT_DISABLE_MEDIA_PROBE") {
		prober = &media.FFmpegProber{
			FFprobePath: firstNonEmpty(*ffprobePath, os.Getenv("HARBORCHAT_FFPROBE_PATH")),
			FFmpegPath:  firstNonEmpty(*ffmpegPath, os.Getenv("HARBORCHAT_FFMPEG_PATH")),
		}
	}

	pipeline, err := uploads.NewPipeline(uploads.PipelineConfig{
		Objects:     objects,
		Attachments: store,
		Prober:      prober,
		MaxFileSize: resolveInt64(*maxFileSize, "HARBORCHAT_MAX_FILE_SIZE"),
		Logger:      logging.WithComponent(logger, "uploads"),
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to configure upload pipeline", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(store, pipeline)
	handler.Presence = tracker
	handler.Logger = logging.WithComponent(logger, "api")

	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("HARBORCHAT_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("HARBORCHAT_TLS_KEY"))

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: tlsCertPath,
			KeyFile:  tlsKeyPath,
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("HARBORCHAT_CORS_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("HarborChat API starting", "addr", listenAddr)
	logger.Info("metrics endpoint available", "path", "/metrics")
	if err := serverutil.Run(runCtx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: tlsCertPath,
			KeyFile:  tlsKeyPath,
		},
		ShutdownTimeout: 10 * time.Second,
		Logger:          logger,
	}); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := tracker.Stop(shutdownCtx); err != nil {
		logger.Warn("failed to stop presence tracker", "error", err)
	}
	if err := manager.Close(); err != nil {
		logger.Warn("failed to close realtime manager", "error", err)
	}
	if err := broker.Close(); err != nil {
		logger.Warn("failed to close realtime broker", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
}

type postgresPoolOptions struct {
	maxConns       int
	minConns       int
	connLifetime   time.Duration
	healthInterval time.Duration
	connectTimeout time.Duration
	appName        string
}

func openStore(ctx context.Context, flagDriver, flagDSN string, pool postgresPoolOptions) (storage.Store, error) {
	dsn := firstNonEmpty(flagDSN, os.Getenv("HARBORCHAT_POSTGRES_DSN"))
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("HARBORCHAT_STORAGE_DRIVER")))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		var options []storage.Option
		if pool.maxConns > 0 {
			options = append(options, storage.WithMaxConnections(int32(pool.maxConns)))
		}
		if pool.minConns > 0 {
			options = append(options, storage.WithMinConnections(int32(pool.minConns)))
		}
		if pool.connLifetime > 0 {
			options = append(options, storage.WithConnLifetime(pool.connLifetime, 0))
		}
		if pool.healthInterval > 0 {
			options = append(options, storage.WithHealthCheckInterval(pool.healthInterval))
		}
		if pool.connectTimeout > 0 {
			options = append(options, storage.WithConnectTimeout(pool.connectTimeout))
		}
		if pool.appName != "" {
			options = append(options, storage.WithApplicationName(pool.appName))
		}
		return storage.NewPostgresStore(ctx, dsn, options...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func openBroker(cfg realtime.RedisBrokerConfig, flagDriver string, logger *slog.Logger) (realtime.PresenceBroker, error) {
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("HARBORCHAT_BROKER_DRIVER")))
	if driver == "" {
		if cfg.Addr != "" || len(cfg.Addrs) > 0 {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		logger.Info("using in-process realtime broker")
		return realtime.NewMemoryBroker(), nil
	case "redis":
		logger.Info("using Redis realtime broker")
		return realtime.NewRedisBroker(cfg)
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", driver)
	}
}

func openObjectStore(ctx context.Context, flagDriver string, cfg objectstore.S3Config) (objectstore.Store, error) {
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("HARBORCHAT_OBJECT_DRIVER")))
	if driver == "" {
		if cfg.Bucket != "" {
			driver = "s3"
		} else {
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return objectstore.NewMemoryStore(""), nil
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("s3 object store selected without bucket")
		}
		return objectstore.NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported object store driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if parsed, err := strconv.Atoi(env); err == nil {
			return parsed
		}
	}
	return flagValue
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if parsed, err := strconv.ParseInt(env, 10, 64); err == nil {
			return parsed
		}
	}
	return flagValue
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if parsed, err := time.ParseDuration(env); err == nil {
			return parsed
		}
	}
	if flagValue > 0 {
		return flagValue
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if parsed, err := strconv.ParseBool(env); err == nil {
			return parsed
		}
	}
	return flagValue
}
