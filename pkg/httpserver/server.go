// pkg/httpserver/server.go
//
// Пакет httpserver - HTTP-сервер агента: /metrics, пробы и управляющее API.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/YaganovValera/live-bidding/pkg/logger"
)

// ReadyChecker возвращает nil, когда агент готов принимать ставки.
type ReadyChecker func() error

type Server struct {
	cfg  Config
	srv  *http.Server
	log  *logger.Logger
	addr chan net.Addr
}

// New собирает роутер; api (если не nil) монтируется под cfg.APIPrefix.
func New(cfg Config, check ReadyChecker, log *logger.Logger, api http.Handler, mws ...Middleware) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("http")

	r := chi.NewRouter()
	r.Use(middleware.RealIP, Recover(log))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}
	for _, mw := range mws {
		r.Use(mw)
	}

	r.Method(http.MethodGet, cfg.MetricsPath, promhttp.Handler())
	r.Get(cfg.HealthzPath, func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	r.Get(cfg.ReadyzPath, func(w http.ResponseWriter, _ *http.Request) {
		if check != nil {
			if err := check(); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "not_ready", err.Error())
				return
			}
		}
		writeStatus(w, http.StatusOK, "ready")
	})
	if api != nil {
		r.Mount(cfg.APIPrefix, api)
	}

	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log:  log,
		addr: make(chan net.Addr, 1),
	}, nil
}

// Handler - корневой роутер.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Addr блокируется до начала прослушивания и возвращает фактический адрес.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case a := <-s.addr:
		s.addr <- a
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start слушает cfg.Addr до отмены ctx, затем делает graceful shutdown.
// Ошибка bind возвращается сразу; отмена ctx - штатное завершение (nil).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("httpserver: listen %s: %w", s.cfg.Addr, err)
	}
	s.addr <- ln.Addr()
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.srv.Serve(ln) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpserver: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	s.log.Info("stopped")
	return nil
}
