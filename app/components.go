package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Shexroz002/rate-limit/admission"
	"github.com/Shexroz002/rate-limit/api"
	"github.com/Shexroz002/rate-limit/database"
	"github.com/Shexroz002/rate-limit/events"
	"github.com/Shexroz002/rate-limit/limiter"
	"github.com/Shexroz002/rate-limit/policy"
	"github.com/Shexroz002/rate-limit/redlock"
)

const readHeaderTimeout = 5 * time.Second

func (a *App) startStore(ctx context.Context) error {
	if a.cfg.StoreBackend == limiter.StorageMemory {
		a.memory = limiter.NewMemoryStore()
		a.store = a.memory
		a.broker = events.New(nil)
		log.Warn().Msg("using in-process counter store, limits are not shared between replicas")
		return nil
	}

	client, err := database.ConnectRedis(ctx, database.RedisConfig{
		URL:           a.cfg.RedisURL,
		PoolSize:      a.cfg.RedisPoolSize,
		RetryAttempts: a.cfg.RedisConnectRetries,
		RetryInterval: a.cfg.RedisRetryInterval,
	})
	if err != nil {
		return err
	}

	store := limiter.NewRedisStore(client)
	if err := store.LoadScripts(ctx); err != nil {
		_ = client.Close()
		return err
	}

	a.redis = client
	a.store = store
	a.broker = events.New(client)
	return nil
}

func (a *App) stopStore(context.Context) error {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close event broker")
		}
	}
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

func (a *App) startRepository(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.repo = policy.NewMemoryRepository()
		log.Warn().Msg("DATABASE_URL not set, rules are kept in memory")
		return nil
	}

	pool, err := database.ConnectPostgres(ctx, database.PostgresConfig{
		URL:           a.cfg.DatabaseURL,
		MaxConns:      a.cfg.DatabaseMaxConns,
		RetryAttempts: a.cfg.DatabaseConnectRetries,
		RetryInterval: a.cfg.DatabaseRetryInterval,
	})
	if err != nil {
		return err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return err
	}

	a.pool = pool
	a.repo = policy.NewPostgresRepository(pool)
	return nil
}

func (a *App) stopRepository(context.Context) error {
	if a.pool != nil {
		a.pool.Close()
	}
	return nil
}

func (a *App) startPolicy(ctx context.Context) error {
	defaults := a.cfg.DefaultPolicy()

	a.resolver = policy.NewResolver(a.store,
		policy.WithSnapshotKey(a.cfg.SnapshotKey),
		policy.WithDefaults(defaults),
		policy.WithReadTimeout(a.cfg.StoreTimeout),
		policy.WithMaxAge(a.cfg.SnapshotCacheTTL),
	)

	syncOpts := []policy.SyncOption{
		policy.WithSyncKey(a.cfg.SnapshotKey),
		policy.WithInterval(a.cfg.SyncInterval),
		policy.WithBroker(a.broker),
		policy.WithSyncMetrics(policy.NewSyncMetrics(a.registry)),
	}
	if a.redis != nil {
		syncOpts = append(syncOpts, policy.WithLocker(redlock.NewLocker(a.redis, a.cfg.SyncLockKey)))
	}
	a.syncer = policy.NewSynchronizer(a.repo, a.store, syncOpts...)

	rl := limiter.NewRateLimiter(a.store,
		limiter.WithDefaultPolicy(defaults),
		limiter.WithStoreTimeout(a.cfg.StoreTimeout),
		limiter.WithMetrics(limiter.NewMetrics(a.registry)),
	)
	a.admitter = admission.NewAdmitter(a.resolver, rl,
		admission.WithTrustProxyHeaders(a.cfg.TrustProxyHeaders),
		admission.WithSkipPaths(api.HealthPath, api.MetricsPath),
	)

	id, err := a.resolver.Watch(ctx, a.broker)
	if err != nil {
		return fmt.Errorf("watch snapshot notices: %w", err)
	}
	a.watchID = id
	return nil
}

func (a *App) stopPolicy(ctx context.Context) error {
	if a.watchID == "" {
		return nil
	}
	if err := a.broker.Unsubscribe(ctx, a.watchID); err != nil {
		log.Warn().Err(err).Msg("failed to stop snapshot watch")
	}
	return nil
}

func (a *App) startHTTP(context.Context) error {
	lis, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}

	storeCheck := api.HealthCheck(a.store.Ping)
	if a.redis != nil {
		storeCheck = database.RedisHealthcheck(a.redis)
	}
	repoCheck := api.HealthCheck(a.repo.Ping)
	if a.pool != nil {
		repoCheck = database.PostgresHealthcheck(a.pool)
	}

	opts := []api.Option{
		api.WithAdmission(a.admitter.HTTP),
		api.WithGatherer(a.registry),
		api.WithHealthCheck("store", storeCheck),
		api.WithHealthCheck("repository", repoCheck),
	}
	srv := api.NewServer(a.repo, a.syncer, a.resolver, opts...)

	a.httpListener = lis
	a.httpServer = &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return nil
}

func (a *App) stopHTTP(ctx context.Context) error {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Shutdown(ctx)
}

func (a *App) startGRPC(context.Context) error {
	if a.cfg.GRPCAddr == "" {
		return nil
	}

	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.GRPCAddr, err)
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(a.admitter.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(a.admitter.StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())

	a.grpcListener = lis
	a.grpcServer = srv
	return nil
}

// stopGRPC drains in-flight calls until ctx ends, then closes every connection.
func (a *App) stopGRPC(ctx context.Context) error {
	if a.grpcServer == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("grpc graceful stop timed out, forcing")
		a.grpcServer.Stop()
	}
	return nil
}
