package grpc

import (
	"net"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health check name of the delivery engine.
const ServiceName = "courier"

type Server struct {
	srv    *grpc.Server
	health *health.Server
}

func NewGrpc() *Server {
	server := &Server{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
	}

	healthpb.RegisterHealthServer(server.srv, server.health)
	reflection.Register(server.srv)

	server.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return server
}

// SetServing flips both the overall and the named status.
func (v *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	v.health.SetServingStatus("", status)
	v.health.SetServingStatus(ServiceName, status)
}

func (v *Server) Listen() error {
	listener, err := net.Listen("tcp", viper.GetString("grpc_bind"))
	if err != nil {
		return err
	}

	return v.Serve(listener)
}

func (v *Server) Serve(listener net.Listener) error {
	log.Info().Str("bind", listener.Addr().String()).Msg("gRPC server is listening...")
	return v.srv.Serve(listener)
}

func (v *Server) Stop() {
	v.health.Shutdown()
	v.srv.GracefulStop()
}
