package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/BioHazard786/warpmeet/internal/config"
	"github.com/BioHazard786/warpmeet/internal/logging"
	"github.com/BioHazard786/warpmeet/internal/metrics"
	"github.com/BioHazard786/warpmeet/internal/signaling"
)

// Server is the signaling server: the hub plus its HTTP and gRPC surfaces.
type Server struct {
	cfg     *config.ServerConfig
	hub     *signaling.Hub
	metrics metrics.Collector
	health  *health.Server
	log     zerolog.Logger
}

// New creates a server relaying through a hub backed by registry.
func New(cfg *config.ServerConfig, registry signaling.Registry, collector metrics.Collector) *Server {
	if collector == nil {
		collector = metrics.Nop{}
	}
	s := &Server{
		cfg:     cfg,
		hub:     signaling.NewHub(registry, collector),
		metrics: collector,
		health:  health.NewServer(),
		log:     logging.Component("server"),
	}
	s.setServing(false)
	return s
}

// Hub returns the relay hub.
func (s *Server) Hub() *signaling.Hub {
	return s.hub
}

// Run serves until ctx is cancelled or a listener fails, then shuts down
// gracefully: health goes NOT_SERVING, listeners stop, and finally the hub
// disconnects every client.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	go s.hub.Run(hubCtx)
	defer func() {
		stopHub()
		<-s.hub.Done()
	}()

	errCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:         s.cfg.HTTP.Address,
		Handler:      s.NewRouter(),
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}
	go func() {
		s.log.Info().Str("address", s.cfg.HTTP.Address).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if s.cfg.GRPC.Address != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPC.Address)
		if err != nil {
			httpServer.Close()
			return fmt.Errorf("listen on %s: %w", s.cfg.GRPC.Address, err)
		}
		grpcServer = s.NewGRPCServer()
		go func() {
			s.log.Info().Str("address", s.cfg.GRPC.Address).Msg("starting gRPC server")
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	s.setServing(true)

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info().Msg("shutting down servers")
	case runErr = <-errCh:
		s.log.Error().Err(runErr).Msg("server failed")
	}

	s.setServing(false)
	s.health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	s.log.Info().Msg("servers shutdown complete")
	return runErr
}

// NewRegistry builds the membership store named by cfg. The returned close
// function releases any backend connection.
func NewRegistry(ctx context.Context, cfg config.RegistryConfig) (signaling.Registry, func() error, error) {
	switch cfg.Backend {
	case "", config.RegistryMemory:
		return signaling.NewMemoryRegistry(), func() error { return nil }, nil

	case config.RegistryRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return signaling.NewRedisRegistry(rdb, cfg.Redis.KeyPrefix), rdb.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
}
