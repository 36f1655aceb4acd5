// Package ingress is the downstream front door: it upgrades incoming
// HTTP connections to WebSocket using gobwas/ws (kept distinct from
// gorilla/websocket, which the worker package uses for outbound dialing
// to upstream nodes) and wires each connection to the multiplexer core.
package ingress

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/rpcmux/internal/rpcmux"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
)

// Server is the downstream WebSocket front door. One Server fans
// arbitrarily many user connections into the shared Manager/Correlator/
// Subscriptions core.
type Server struct {
	addr        string
	metricsAddr string

	registry      *rpcmux.Registry
	manager       *rpcmux.Manager
	correlator    *rpcmux.Correlator
	subscriptions *rpcmux.Subscriptions

	callTimeout     time.Duration
	userSendBuffer  int
	metricsInterval time.Duration

	rateLimiter *connRateLimiter

	nextUserID atomic.Uint32

	lastRSSBytes   atomic.Uint64
	lastCPUPercent atomic.Uint64 // math.Float64bits of the last sampled percent

	listener net.Listener
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// Config bundles what Server needs beyond the shared core components.
type Config struct {
	Addr            string
	MetricsAddr     string
	CallTimeout     time.Duration
	UserSendBuffer  int
	MetricsInterval time.Duration

	ConnIPRate      float64
	ConnIPBurst     int
	ConnGlobalRate  float64
	ConnGlobalBurst int
	ConnIPTTL       time.Duration
}

// NewServer builds the ingress front door over an already-running
// multiplexer core.
func NewServer(cfg Config, registry *rpcmux.Registry, manager *rpcmux.Manager, correlator *rpcmux.Correlator, subs *rpcmux.Subscriptions, logger zerolog.Logger) *Server {
	return &Server{
		addr:            cfg.Addr,
		metricsAddr:     cfg.MetricsAddr,
		registry:        registry,
		manager:         manager,
		correlator:      correlator,
		subscriptions:   subs,
		callTimeout:     cfg.CallTimeout,
		userSendBuffer:  cfg.UserSendBuffer,
		metricsInterval: cfg.MetricsInterval,
		rateLimiter:     newConnRateLimiter(cfg.ConnIPRate, cfg.ConnIPBurst, cfg.ConnGlobalRate, cfg.ConnGlobalBurst, cfg.ConnIPTTL, logger),
		logger:          logger.With().Str("component", "ingress").Logger(),
	}
}

// Run starts the HTTP and metrics listeners and blocks until ctx is
// cancelled, then shuts both servers down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)

	httpServer := &http.Server{Addr: s.addr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: s.metricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	resourceStop := make(chan struct{})
	go s.sampleMetrics(ctx)
	go s.sampleProcessResources(resourceStop)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("ingress listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ingress server: %w", err)
		}
	}()
	go func() {
		s.logger.Info().Str("addr", s.metricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.logger.Error().Err(err).Msg("listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	close(resourceStop)
	s.rateLimiter.Close()
	s.wg.Wait()
	return nil
}

// sampleMetrics periodically publishes point-in-time gauges that aren't
// worth updating on every connect/subscribe event.
func (s *Server) sampleMetrics(ctx context.Context) {
	interval := s.metricsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rpcmux.SetUsersConnected(s.subscriptions.UserCount())
			rpcmux.SetSubscriptionsActive(s.subscriptions.SubscriptionCount())
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.Snapshot()
	healthy := 0
	for _, n := range snapshot {
		if !n.Health.IsErroring {
			healthy++
		}
	}
	rssMB := float64(s.lastRSSBytes.Load()) / 1024 / 1024
	cpuPercent := math.Float64frombits(s.lastCPUPercent.Load())
	if healthy == 0 && len(snapshot) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "0/%d nodes healthy, process_mem_mb=%.1f process_cpu_percent=%.1f\n", len(snapshot), rssMB, cpuPercent)
		return
	}
	fmt.Fprintf(w, "%d/%d nodes healthy, process_mem_mb=%.1f process_cpu_percent=%.1f\n", healthy, len(snapshot), rssMB, cpuPercent)
}
