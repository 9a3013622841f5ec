// Package grpc provides shared gRPC health helpers for service runtimes.
package grpc

import (
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer hosts a standalone gRPC health endpoint for a service runtime.
type HealthServer struct {
	listener     net.Listener
	grpcServer   *gogrpc.Server
	healthServer *health.Server
	serveErr     chan error
}

// ServeHealth starts a gRPC health endpoint on the given listener and marks
// the named service SERVING. The caller owns shutdown via Stop.
func ServeHealth(listener net.Listener, service string) (*HealthServer, error) {
	if listener == nil {
		return nil, fmt.Errorf("listener is required")
	}

	grpcServer := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	if service != "" {
		healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	hs := &HealthServer{
		listener:     listener,
		grpcServer:   grpcServer,
		healthServer: healthServer,
		serveErr:     make(chan error, 1),
	}
	go func() {
		hs.serveErr <- grpcServer.Serve(listener)
	}()
	return hs, nil
}

// Addr returns the listener address.
func (hs *HealthServer) Addr() net.Addr {
	if hs == nil || hs.listener == nil {
		return nil
	}
	return hs.listener.Addr()
}

// Stop marks the endpoint NOT_SERVING and stops the gRPC server gracefully.
func (hs *HealthServer) Stop() {
	if hs == nil || hs.grpcServer == nil {
		return
	}
	hs.healthServer.Shutdown()
	hs.grpcServer.GracefulStop()
	<-hs.serveErr
}
