package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Config struct {
	Addr        string
	JWTSecret   string
	TokenTTL    time.Duration
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
	MaxBodySize int64
}

type Server struct {
	config  Config
	router  *gin.Engine
	limiter *RateLimiter
	tokens  *TokenIssuer
	logger  *zap.Logger
}

func NewServer(cfg Config, h *Handler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var tokens *TokenIssuer
	if cfg.JWTSecret != "" {
		var err error
		tokens, err = NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("api authentication disabled: every caller is anonymous")
	}

	s := &Server{
		config:  cfg,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		tokens:  tokens,
		logger:  logger,
	}
	s.router = s.newRouter(h)
	return s, nil
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) newRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())

	if len(s.config.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     s.config.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", requestIDHeader},
			ExposeHeaders:    []string{"Content-Length", requestIDHeader},
			AllowCredentials: !containsWildcard(s.config.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(securityHeaders())
	router.Use(bodyLimit(s.config.MaxBodySize))
	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(s.logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1", Authenticate(s.tokens))
	h.Register(v1, s.limiter.Middleware())

	return router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Tokens is nil when authentication is disabled.
func (s *Server) Tokens() *TokenIssuer {
	return s.tokens
}

// Serve runs until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.limiter.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down api: %w", err)
		}
		return nil
	}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}
