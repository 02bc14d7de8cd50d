// Package health serves the standard gRPC health protocol for orchestrator
// probes alongside the HTTP API.
package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// Service is the name reported alongside the overall ("") status.
const Service = "xinvoice.InvoiceService"

const stopTimeout = 5 * time.Second

type Config struct {
	ListenAddr string
	Logger     *slog.Logger
}

type Server struct {
	cfg        Config
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	stopOnce   sync.Once
}

func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, errors.New("listen address is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{cfg: cfg}, nil
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	s.SetServing(true)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.cfg.Logger.Error("health serve", "err", err)
		}
	}()
	s.cfg.Logger.Info("health server ready", "addr", lis.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetServing flips both the overall and the named service status.
func (s *Server) SetServing(serving bool) {
	if s.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

// Stop reports NOT_SERVING, then stops gracefully within a bounded time.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.grpcServer == nil {
			return
		}
		s.health.Shutdown()
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopTimeout):
			s.grpcServer.Stop()
		}
	})
}
