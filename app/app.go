// Package app assembles the service from its configuration and runs it until the context ends.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/Shexroz002/rate-limit/admission"
	"github.com/Shexroz002/rate-limit/config"
	"github.com/Shexroz002/rate-limit/events"
	"github.com/Shexroz002/rate-limit/lifecycle"
	"github.com/Shexroz002/rate-limit/limiter"
	"github.com/Shexroz002/rate-limit/policy"
)

// App is one running replica of the service.
type App struct {
	cfg       config.Config
	registry  *prometheus.Registry
	lifecycle *lifecycle.Manager

	redis  *redis.Client
	pool   *pgxpool.Pool
	store  limiter.CounterStore
	memory *limiter.MemoryStore
	broker events.Broker

	repo     policy.Repository
	resolver *policy.Resolver
	syncer   *policy.Synchronizer
	admitter *admission.Admitter
	watchID  string

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	readyOnce sync.Once
	ready     chan struct{}
}

// New creates an App. Nothing is connected until Run.
func New(cfg config.Config) *App {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		cfg:       cfg,
		registry:  registry,
		lifecycle: lifecycle.New(),
		ready:     make(chan struct{}),
	}

	for _, c := range []lifecycle.Component{
		lifecycle.Hook{ID: "store", OnStart: a.startStore, OnStop: a.stopStore},
		lifecycle.Hook{ID: "repository", OnStart: a.startRepository, OnStop: a.stopRepository},
		lifecycle.Hook{ID: "policy", OnStart: a.startPolicy, OnStop: a.stopPolicy},
		lifecycle.Hook{ID: "http", OnStart: a.startHTTP, OnStop: a.stopHTTP},
		lifecycle.Hook{ID: "grpc", OnStart: a.startGRPC, OnStop: a.stopGRPC},
	} {
		// names are unique
		_ = a.lifecycle.Register(c)
	}
	return a
}

// Run starts every component, serves until ctx is done or a server fails, then stops
// everything within SHUTDOWN_TIMEOUT.
func (a *App) Run(ctx context.Context) error {
	if err := a.lifecycle.StartAll(ctx); err != nil {
		return err
	}
	a.readyOnce.Do(func() { close(a.ready) })
	log.Info().Str("app", a.cfg.AppName).Str("http_addr", a.HTTPAddr()).Str("grpc_addr", a.GRPCAddr()).Msg("service started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.httpServer.Serve(a.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if a.grpcServer != nil {
		g.Go(func() error {
			if err := a.grpcServer.Serve(a.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		a.syncer.Run(gctx)
		return nil
	})
	if a.memory != nil {
		g.Go(func() error {
			a.memory.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.lifecycle.StopAll(stopCtx)
	})

	err := g.Wait()
	log.Info().Err(err).Msg("service stopped")
	return err
}

// Ready is closed once every component has started.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// HTTPAddr returns the bound HTTP address, empty before Ready.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, empty when gRPC is disabled or before Ready.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}
