package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"quoteflow/cache"
	"quoteflow/config"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/models"
)

// CacheView is the read side of a cache that the dashboard renders.
type CacheView interface {
	Snapshot() models.Snapshot
	Status() cache.Status
	Subscription() cache.Subscription
}

// Server hosts the gin monitoring API for a running cache.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	view            CacheView
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, view CacheView, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if view == nil {
		return nil, errors.New("dashboard requires a cache view")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		view:            view,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log),
	}, nil
}

// Run serves the dashboard until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"endpoints":           []string{"/api/snapshot", "/api/status", "/api/logs", "/api/metrics", "/api/resources", "/metrics"},
			"refresh_interval_ms": s.cfg.RefreshInterval.Milliseconds(),
		})
	})

	router.GET("/api/snapshot", s.handleSnapshot)
	router.GET("/api/status", s.handleStatus)

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router, nil
}

// handleSnapshot renders the cache as a table. ?instrument=X narrows it to
// one row.
func (s *Server) handleSnapshot(c *gin.Context) {
	snap := s.view.Snapshot()

	if instrument := strings.TrimSpace(c.Query("instrument")); instrument != "" {
		row, ok := snap.Row(instrument)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "instrument not subscribed", "instrument": instrument})
			return
		}
		snap.Rows = []models.Row{row}
	}

	table := snap.Table()
	rows := make([]gin.H, 0, len(snap.Rows))
	for i, r := range snap.Rows {
		rows = append(rows, gin.H{
			"instrument":     r.Instrument,
			"status":         r.Status,
			"status_message": r.StatusMessage,
			"values":         table[i],
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":    snap.Columns,
		"rows":       rows,
		"completion": snap.Completion,
		"taken_at":   snap.TakenAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := s.view.Status()
	snap := s.view.Snapshot()

	instruments := make(map[string]gin.H, len(snap.Rows))
	for _, r := range snap.Rows {
		instruments[r.Instrument] = gin.H{
			"status":               r.Status,
			"message":              r.StatusMessage,
			"received_first_image": r.ReceivedFirstImage,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"cache":        status,
		"subscription": s.view.Subscription(),
		"instruments":  instruments,
	})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
