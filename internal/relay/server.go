package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/piera23/PieraChat/internal/config"
	"github.com/piera23/PieraChat/internal/media"
)

const serviceVersion = "2.0.0"

// RelayServer hosts the websocket relay and its public HTTP surface.
type RelayServer struct {
	cfg       config.Config
	log       *zap.Logger
	registry  *Registry
	admission *AdmissionController
	router    *Router
	metrics   *relayMetrics
	media     *media.Store
	upgrader  websocket.Upgrader

	httpSrv   *http.Server
	adminHTTP *http.Server
	rootCtx   context.Context
	ready     atomic.Bool
	startedAt time.Time

	listenerMu sync.Mutex
	listener   net.Listener
}

// NewRelayServer constructs a server with its dependencies.
func NewRelayServer(cfg config.Config, logger *zap.Logger) *RelayServer {
	return &RelayServer{
		cfg:       cfg,
		log:       logger,
		registry:  NewRegistry(),
		admission: NewAdmissionController(cfg.Admission),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from arbitrary origins; payloads are
			// end-to-end encrypted so origin checks gate nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start boots the relay and blocks until ctx is cancelled or the listener
// fails.
func (s *RelayServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.listenerMu.Lock()
	s.listener = lis
	s.listenerMu.Unlock()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newRelayMetrics(reg)
	s.router = NewRouter(s.log, s.registry, s.metrics)
	s.rootCtx = ctx
	s.startedAt = time.Now().UTC()
	s.startAdminServer(reg)

	store, err := media.NewStore(s.cfg.Media, s.log)
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}
	s.media = store

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	s.media.Mount(mux)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.runHousekeeping(ctx)
	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err = s.httpSrv.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Addr reports the bound listen address once Start has opened it, which
// matters when the configured port is 0.
func (s *RelayServer) Addr() string {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// runHousekeeping periodically evicts registry entries whose socket died
// without a clean disconnect, plus idle admission windows and expired
// media blobs.
func (s *RelayServer) runHousekeeping(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Sweep.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted := s.registry.SweepStale()
			for _, sess := range evicted {
				sess.cancel()
				if sess.username != "" {
					s.router.Route(leaveFrame(sess.username, s.registry.Snapshot()), Broadcast(), sess.id)
				}
				s.metrics.decConnection()
			}
			s.metrics.recordSweepEviction("registry", len(evicted))
			s.metrics.setJoined(s.registry.JoinedLen())

			windows := s.admission.SweepStale(now)
			s.metrics.recordSweepEviction("admission", windows)

			blobs := s.media.SweepExpired(now)
			s.metrics.recordSweepEviction("media", blobs)

			if len(evicted)+windows+blobs > 0 {
				s.log.Info("housekeeping sweep",
					zap.Int("stale_connections", len(evicted)),
					zap.Int("admission_windows", windows),
					zap.Int("expired_blobs", blobs))
			}
		}
	}
}

func (s *RelayServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  "PieraChat Secure WebSocket Server",
		"version":  serviceVersion,
		"status":   "running",
		"endpoint": "/ws",
		"features": []string{
			"End-to-End Encryption",
			"Rate Limiting",
			"Public Key Exchange",
			"Username Validation",
		},
		"activeConnections": s.registry.Len(),
		"uptime":            s.startedAt.Format(time.RFC3339),
	})
}

func (s *RelayServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"connections":   s.registry.Len(),
		"activeUsers":   s.registry.JoinedLen(),
		"memoryUsageMB": mem.HeapAlloc / 1024 / 1024,
	})
}

func (s *RelayServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"totalConnections": s.registry.Len(),
		"activeUsers":      s.registry.ActiveUsers(),
		"serverTime":       time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("graceful shutdown timed out; forcing close", zap.Error(err))
		_ = s.httpSrv.Close()
	} else {
		s.log.Info("relay stopped")
	}
}
