// Package grpcserver serves the standard gRPC health service next to the HTTP API.
package grpcserver

import (
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the health service name reported for the API as a whole.
const Service = "nutrikeeper.v1.API"

// Health is a gRPC server exposing grpc.health.v1.
// Both the overall ("") and the API service start as NOT_SERVING.
type Health struct {
	srv *grpc.Server
	hs  *health.Server
	log *zap.Logger
}

// NewHealth builds the server with recovery and logging interceptors.
func NewHealth(log *zap.Logger) *Health {
	if log == nil {
		log = zap.NewNop()
	}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	h := &Health{srv: srv, hs: hs, log: log}
	h.SetServing(false)
	return h
}

// SetServing flips the status of the overall and the API service.
func (h *Health) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(Service, st)
}

// Serve blocks serving lis until Stop.
func (h *Health) Serve(lis net.Listener) error {
	h.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return h.srv.Serve(lis)
}

// Stop marks everything NOT_SERVING and stops gracefully, forcing after timeout.
func (h *Health) Stop(timeout time.Duration) {
	h.hs.Shutdown()
	done := make(chan struct{})
	go func() {
		h.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		h.srv.Stop()
		<-done
	}
}
