package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/vitwit/paygate/clients"
	"github.com/vitwit/paygate/config"
	"github.com/vitwit/paygate/logger"
	"github.com/vitwit/paygate/types"
)

// Dispatcher runs admitted requests.
type Dispatcher interface {
	Validate(serviceID string, body json.RawMessage) error
	Dispatch(ctx context.Context, serviceID string, body json.RawMessage) (any, error)
	Services() []string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Name            string
	Version         string
}

// Server is the HTTP front of the gateway.
type Server struct {
	cfg        ServerConfig
	gate       *Gate
	dispatcher Dispatcher
	reader     clients.ChainReader
	metrics    http.Handler
	log        logger.Logger

	engine *gin.Engine
	srv    *http.Server
}

type ServerOption func(*Server)

// WithChainReader enables chain status on /health and the recipient balance
// on /payment/info.
func WithChainReader(r clients.ChainReader) ServerOption {
	return func(s *Server) { s.reader = r }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer builds the router. Gin's mode is left to the caller.
func NewServer(cfg ServerConfig, gate *Gate, dispatcher Dispatcher, opts ...ServerOption) *Server {
	if cfg.Name == "" {
		cfg.Name = "paygate"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:        cfg,
		gate:       gate,
		dispatcher: dispatcher,
		log:        logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), RequestID(), AccessLog(s.log))
	s.routes()

	s.srv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/", s.handleIndex)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/payment/pricing", s.handlePricing)
	s.engine.GET("/payment/info", s.handleInfo)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}
	s.engine.POST("/agent/:service", s.gate.Middleware(s.dispatcher.Validate), s.handleAgent)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", map[string]any{"addr": s.cfg.Listen})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("http server shutting down", nil)
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleIndex(c *gin.Context) {
	gc := s.gate.Config()
	c.JSON(http.StatusOK, gin.H{
		"name":     s.cfg.Name,
		"version":  s.cfg.Version,
		"protocol": "x402",
		"mode":     gc.Mode,
		"network":  gc.Network.DisplayName,
		"currency": Currency,
		"services": s.dispatcher.Services(),
		"endpoints": gin.H{
			"pricing":      "/payment/pricing",
			"payment_info": "/payment/info",
			"health":       "/health",
			"call":         "/agent/:service",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	gc := s.gate.Config()
	resp := gin.H{
		"status":  "ok",
		"mode":    gc.Mode,
		"network": gc.Network.Network,
	}
	if s.reader == nil {
		c.JSON(http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	status := s.reader.Status(ctx)
	resp["chain"] = status
	if !status.Connected {
		resp["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePricing(c *gin.Context) {
	gc := s.gate.Config()
	resp := gin.H{
		"currency":  Currency,
		"network":   gc.Network.DisplayName,
		"chainId":   gc.Network.CAIP2(),
		"mode":      gc.Mode,
		"test_mode": gc.Mode == types.ModeTest,
		"services":  gc.Pricing.Table(),
	}
	if def, ok := gc.Pricing.Default(); ok {
		resp["default"] = config.FormatUSD(def)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleInfo(c *gin.Context) {
	gc := s.gate.Config()
	resp := gin.H{
		"network":  gc.Network.DisplayName,
		"chainId":  gc.Network.CAIP2(),
		"currency": Currency,
		"asset":    gc.Contract.Hex(),
		"decimals": gc.Decimals,
		"header":   HeaderPaymentSignature,
	}
	if gc.Recipient != (common.Address{}) {
		resp["recipient"] = gc.Recipient.Hex()
	}

	if s.reader != nil && gc.Recipient != (common.Address{}) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		bal, err := s.reader.GetBalance(ctx, gc.Recipient, gc.Contract)
		if err != nil {
			resp["balanceError"] = "balance unavailable"
			s.log.Warn("recipient balance lookup failed", map[string]any{"error": err.Error()})
		} else {
			resp["balance"] = bal.String()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAgent(c *gin.Context) {
	serviceID := c.Param("service")
	var body json.RawMessage
	if v, ok := c.Get(ContextBody); ok {
		body, _ = v.(json.RawMessage)
	}

	out, err := s.dispatcher.Dispatch(c.Request.Context(), serviceID, body)
	if err != nil {
		status, eb := dispatchError(err)
		c.JSON(status, eb)
		return
	}
	c.JSON(http.StatusOK, out)
}
