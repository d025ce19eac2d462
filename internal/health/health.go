// Package health exposes the standard gRPC health service and keeps its
// status in step with store connectivity.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the name clients pass in HealthCheckRequest.Service. The
// empty name reports the same status.
const ServiceName = "jobmate.scanworker.ScanWorker"

// Pinger is satisfied by every store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor owns a grpc health.Server and flips it between SERVING and
// NOT_SERVING based on periodic store pings.
type Monitor struct {
	hs       *health.Server
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      *zap.SugaredLogger
	last     healthpb.HealthCheckResponse_ServingStatus
}

// NewMonitor starts out NOT_SERVING until the first successful ping.
func NewMonitor(pinger Pinger, interval time.Duration, log *zap.SugaredLogger) *Monitor {
	m := &Monitor{
		hs:       health.NewServer(),
		pinger:   pinger,
		interval: interval,
		timeout:  2 * time.Second,
		log:      log,
	}
	m.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Register mounts the health service on s.
func (m *Monitor) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, m.hs)
}

// Check pings the store once and publishes the result.
func (m *Monitor) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	next := healthpb.HealthCheckResponse_SERVING
	if err := m.pinger.Ping(ctx); err != nil {
		next = healthpb.HealthCheckResponse_NOT_SERVING
		if m.last != next {
			m.log.Warnw("store unreachable, reporting NOT_SERVING", "err", err)
		}
	} else if m.last != next {
		m.log.Infow("store reachable, reporting SERVING")
	}
	m.set(next)
	return next
}

func (m *Monitor) set(s healthpb.HealthCheckResponse_ServingStatus) {
	m.last = s
	m.hs.SetServingStatus("", s)
	m.hs.SetServingStatus(ServiceName, s)
}

// Run checks immediately and then every interval until ctx ends, at which
// point every service is reported NOT_SERVING.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.hs.Shutdown()
			return
		case <-t.C:
			m.Check(ctx)
		}
	}
}

// NewServer returns a gRPC server that logs every call.
func NewServer(log *zap.SugaredLogger) *grpc.Server {
	return grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(log)))
}

func loggingInterceptor(log *zap.SugaredLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debugw("grpc call", "method", info.FullMethod, "code", status.Code(err).String(),
			"elapsed", time.Since(start).Round(time.Microsecond))
		return resp, err
	}
}
