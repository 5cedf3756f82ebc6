// Package solarportal wires the portal gateway: authentication, the chat
// provider, the upstream forwarder and the background loops that keep
// provider state bounded.
package solarportal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"solar_portal/agentforce"
	"solar_portal/auth"
	"solar_portal/backend"
	"solar_portal/handlers"
	"solar_portal/llm"
	"solar_portal/toolsettings"
	"solar_portal/tracing"
)

const shutdownTimeout = 10 * time.Second

// Server is the portal gateway. Create one with New, then call Start.
type Server struct {
	cfg  *Config
	log  *zap.Logger
	http *http.Client

	backend backend.Backend
	handler http.Handler
	loops   []func(context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger (default: no-op).
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithHTTPClient sets the client used for provider and upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Server) { s.http = hc }
}

// New validates cfg and builds every component.
func New(cfg *Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := &Server{cfg: cfg, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}

	b, err := s.newBackend()
	if err != nil {
		return nil, err
	}
	s.backend = b

	validator, login, err := s.newAuth()
	if err != nil {
		return nil, err
	}

	var upstream *handlers.Forwarder
	if cfg.UpstreamURL != "" {
		upstream = handlers.NewForwarder(cfg.UpstreamURL, s.http, s.log)
	}

	mux := http.NewServeMux()
	deps := &handlers.Deps{
		Backend:        b,
		Auth:           auth.Middleware(validator, s.log),
		Login:          login,
		Upstream:       upstream,
		AllowedOrigins: cfg.AllowedOrigins,
		Log:            s.log,
	}
	if cfg.TraceCapacity > 0 {
		deps.Traces = tracing.NewStore(cfg.TraceCapacity)
	}
	handlers.RegisterRoutes(mux, deps)
	s.handler = corsMiddleware(mux)
	return s, nil
}

func (s *Server) newBackend() (backend.Backend, error) {
	switch s.cfg.Provider {
	case agentforce.ProviderName:
		client := agentforce.NewClient(s.cfg.Agentforce, s.http, s.log.Named("agentforce"))
		m := agentforce.NewManager(client, s.cfg.Agentforce.IdleTimeout)
		s.loops = append(s.loops, m.Run)
		return m, nil

	default:
		opts := []llm.Option{llm.WithLogger(s.log.Named("llm"))}
		if s.http != nil {
			opts = append(opts, llm.WithHTTPClient(s.http))
		}
		if s.cfg.LLM.MaxPromptTokens > 0 {
			counter, err := llm.NewTiktokenCounter(s.cfg.LLM.Model)
			if err != nil {
				s.log.Warn("tiktoken unavailable, estimating tokens from text length", zap.Error(err))
			} else {
				opts = append(opts, llm.WithTokenCounter(counter))
			}
		}
		if s.cfg.UpstreamURL != "" {
			opts = append(opts, llm.WithWhitelist(toolsettings.New(s.cfg.UpstreamURL).Patterns))
		}
		b := llm.New(s.cfg.LLM, opts...)
		s.loops = append(s.loops, b.History().Run)
		return b, nil
	}
}

func (s *Server) newAuth() (auth.Validator, http.Handler, error) {
	if s.cfg.Auth.Mode == AuthLocal {
		svc, err := auth.NewLocalService(s.cfg.Auth.JWTSecret, s.cfg.Auth.TokenExpiry, s.cfg.Auth.Users)
		if err != nil {
			return nil, nil, err
		}
		return svc, svc.LoginHandler(), nil
	}
	login := handlers.NewForwarder(s.cfg.UpstreamURL, s.http, s.log)
	return auth.NewRemoteValidator(s.cfg.UpstreamURL, s.cfg.Auth.CacheTTL), login, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves until SIGINT, SIGTERM
// or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the provider's background
// loops. It returns after ctx is done and everything has shut down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: chat responses stream for as long as the turn runs.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("solar portal listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("provider", s.backend.Name()),
			zap.String("auth", s.cfg.Auth.Mode))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for _, loop := range s.loops {
		g.Go(func() error { return loop(gctx) })
	}
	return g.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
