package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/edgeee/chatsync/api"
	"github.com/edgeee/chatsync/api/validator"
	"github.com/edgeee/chatsync/auth"
	"github.com/edgeee/chatsync/config"
	"github.com/edgeee/chatsync/events"
	"github.com/edgeee/chatsync/kafka"
	"github.com/edgeee/chatsync/memory"
	"github.com/edgeee/chatsync/messaging"
	"github.com/edgeee/chatsync/postgres"
	"github.com/edgeee/chatsync/realtime"
	"github.com/edgeee/chatsync/redis"
	"github.com/edgeee/chatsync/telemetry"
	"github.com/edgeee/chatsync/uploads"
)

const relayDedupeTTL = 10 * time.Minute

func newServeCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and the realtime gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, !skipMigrate)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not create missing tables on start")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func serve(ctx context.Context, cfg *config.Config, migrate bool) error {
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRatio: cfg.OTel.SampleRatio,
		Insecure:    cfg.OTel.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(c); err != nil {
			logger.Warn("Could not flush traces", "error", err.Error())
		}
	}()

	db, closeDB, err := openDB(ctx, cfg, migrate)
	if err != nil {
		return err
	}
	defer closeDB()

	opts := []messaging.Option{messaging.WithLogger(logger)}
	var (
		dedupe  realtime.Deduper
		limiter api.Limiter
	)
	if cfg.Redis.Addr != "" {
		rds, err := redis.Connect(ctx, &goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rds.Close()
		opts = append(opts, messaging.WithCache(rds))
		dedupe = redis.NewDeduper(rds, relayDedupeTTL)
		limiter = redis.NewLimiter(rds)
		logger.Info("Redis enabled", "addr", cfg.Redis.Addr)
	}

	registry := realtime.NewRegistry()
	router := realtime.NewRouter(registry, dedupe, logger)
	notifiers := messaging.Notifiers{router}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer pub.Close()
		notifiers = append(notifiers, pub)
		logger.Info("Change export enabled", "topic", cfg.Kafka.Topic)
	}
	opts = append(opts, messaging.WithNotifier(notifiers))
	store := messaging.NewStore(db, opts...)

	signer, err := newSigner(cfg.Uploads)
	if err != nil {
		return err
	}
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	val := validator.New()

	gateway := &realtime.Gateway{
		Logger:         logger,
		Registry:       registry,
		Router:         router,
		Store:          store,
		Auth:           verifier,
		Parser:         &events.Parser{Val: val},
		OriginPatterns: originPatterns(cfg.CORS.Origins),
		SendBuffer:     cfg.Realtime.SendBuffer,
		PingInterval:   cfg.Realtime.PingInterval,
		EventRate:      rate.Limit(cfg.RateLimit.EventsPerSecond),
		EventBurst:     cfg.RateLimit.EventBurst,
	}
	rest := &api.API{
		Logger:        logger,
		Store:         store,
		Uploads:       uploads.NewService(signer),
		Auth:          verifier,
		Val:           val,
		Limiter:       limiter,
		UploadLimit:   api.RateLimit{Requests: int64(cfg.RateLimit.UploadRequests), Window: cfg.RateLimit.UploadWindow},
		MutationLimit: api.RateLimit{Requests: int64(cfg.RateLimit.MessageRequests), Window: cfg.RateLimit.MessageWindow},
		CORSOrigins:   cfg.CORS.Origins,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", rest)

	// Realtime sessions are not traced.
	root := http.NewServeMux()
	root.Handle("/ws", longLived(gateway))
	root.Handle("/", otelhttp.NewHandler(mux, "http.server"))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           root,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.HTTP.Addr, "store", cfg.Store)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

// openDB returns the configured storage backend.
func openDB(ctx context.Context, cfg *config.Config, migrate bool) (messaging.DB, func(), error) {
	switch cfg.Store {
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		if migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		return pg, func() { pg.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}

// newSigner returns the upload signer of the configured provider. A nil
// signer makes upload authorization report the provider as unavailable.
func newSigner(cfg config.Uploads) (uploads.Signer, error) {
	switch cfg.Provider {
	case "minio":
		if cfg.Minio.Endpoint == "" {
			return nil, nil
		}
		s, err := uploads.NewMinioSigner(uploads.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
			Region:    cfg.Minio.Region,
			URLTTL:    cfg.Minio.URLTTL,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return &uploads.CloudSigner{
			CloudName: cfg.CloudName,
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}, nil
	}
}

// originPatterns turns CORS origins into the host patterns the websocket
// handshake checks.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// longLived lifts the server's read and write deadlines for connections
// that are upgraded to websockets.
func longLived(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})
		next.ServeHTTP(w, r)
	})
}
