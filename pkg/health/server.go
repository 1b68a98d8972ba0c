package health

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/butter-bot-machines/scribe/pkg/logging"
	"github.com/butter-bot-machines/scribe/pkg/telemetry"
	"github.com/butter-bot-machines/scribe/pkg/timing"
	"github.com/butter-bot-machines/scribe/pkg/timing/real"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 9090
)

// Paths served by the health surface
var Paths = []string{"/", "/health", "/metrics"}

// Options configures the health server
type Options struct {
	Host   string
	Port   int // 0 picks an ephemeral port
	Source Source
	Logger logging.Logger
	Clock  timing.Clock
}

// Server serves the read-only health surface
type Server struct {
	source   Source
	logger   logging.Logger
	clock    timing.Clock
	engine   *gin.Engine
	addr     string
	srv      *http.Server
	listener net.Listener
}

// New creates a health server. Nothing listens until Listen.
func New(opts Options) (*Server, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("health source is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = real.New()
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Port < 0 {
		opts.Port = DefaultPort
	}

	s := &Server{
		source: opts.Source,
		logger: opts.Logger.WithGroup("health"),
		clock:  opts.Clock,
		addr:   net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("scribe-health"))

	r.GET("/health", s.handleHealth)
	r.GET("/", s.handleIndex)
	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	r.NoRoute(s.handleNotFound)
	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen binds the listener. Bind errors surface here so startup can fail.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health listener on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Health endpoint listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Serve blocks serving requests until Shutdown
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if err := s.srv.Serve(s.listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Health server failed", "error", err)
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx is
// done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, Build(s.source.HealthState(), s.clock.Now()))
}

func (s *Server) handleIndex(c *gin.Context) {
	snap := Build(s.source.HealthState(), s.clock.Now())
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(indexHTML,
		snap.Status,
		snap.UptimeSeconds,
		snap.QueueSize,
		snap.Worker.TotalEvents,
		snap.ActionDispatcherStats.TotalDispatches,
		snap.CircuitBreakerStats.Open)))
}

func (s *Server) handleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"status":          "not_found",
		"message":         fmt.Sprintf("no route for %s", c.Request.URL.Path),
		"available_paths": Paths,
	})
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>Scribe</title></head>
<body>
<h1>Scribe engine</h1>
<ul>
<li>Status: %s</li>
<li>Uptime: %.0fs</li>
<li>Queue size: %d</li>
<li>Events: %d</li>
<li>Dispatches: %d</li>
<li>Open breakers: %d</li>
</ul>
<p><a href="/health">/health</a> &middot; <a href="/metrics">/metrics</a></p>
</body>
</html>
`
