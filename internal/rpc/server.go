package rpc

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/echenim/Bedrock/walletd/internal/config"
)

// Server hosts the gRPC wallet service.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	wallet     *WalletService
	cfg        config.RPCConfig
	logger     *zap.Logger

	grpcLis net.Listener
}

// NewServer creates a new RPC server.
func NewServer(cfg config.RPCConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryUnaryInterceptor(logger),
			LoggingUnaryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			RecoveryStreamInterceptor(logger),
			LoggingStreamInterceptor(logger),
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	return &Server{
		grpcServer: grpcServer,
		health:     hs,
		cfg:        cfg,
		logger:     logger,
	}
}

// RegisterWalletService registers the wallet service implementation.
func (s *Server) RegisterWalletService(svc *WalletService) {
	s.wallet = svc
	RegisterWalletServiceServer(s.grpcServer, svc)
}

// Start begins serving gRPC requests.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.grpcLis, err = net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", s.cfg.GRPCAddr, err)
	}

	s.logger.Info("gRPC server starting",
		zap.String("addr", s.grpcLis.Addr().String()),
	)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(walletServiceName, healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := s.grpcServer.Serve(s.grpcLis); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Info("gRPC server stopping")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	return nil
}

// Name returns the service name.
func (s *Server) Name() string {
	return "rpc"
}

// GRPCAddr returns the actual address the gRPC server is listening on.
// Useful when configured with port 0 for tests.
func (s *Server) GRPCAddr() string {
	if s.grpcLis != nil {
		return s.grpcLis.Addr().String()
	}
	return s.cfg.GRPCAddr
}
