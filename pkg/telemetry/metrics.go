package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/panic80/G7GovAI-sub001/pkg/logger"
)

// MetricsServer exposes the default prometheus registry on /metrics.
type MetricsServer struct {
	srv    *http.Server
	lis    net.Listener
	logger logger.Logger
}

func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ListenMetrics binds addr and starts serving metrics in the background.
func ListenMetrics(addr string, log logger.Logger) (*MetricsServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	m := &MetricsServer{
		srv: &http.Server{
			Handler:           MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		lis:    lis,
		logger: log,
	}

	go func() {
		log.Info("📈 starting prometheus metrics server", zap.String("addr", lis.Addr().String()))
		if err := m.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to serve metrics", zap.Error(err))
		}
	}()

	return m, nil
}

func (m *MetricsServer) Addr() string {
	return m.lis.Addr().String()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
