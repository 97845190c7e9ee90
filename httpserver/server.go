package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/neurallog/kek-custody/api/auth"
	"github.com/neurallog/kek-custody/api/handlers"
	"github.com/neurallog/kek-custody/cryptoutils"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// DefaultAPIPrefix is where the directory API is mounted.
const DefaultAPIPrefix = "/api/v1"

type HTTPServerConfig struct {
	ListenAddr  string
	APIPrefix   string
	EnablePprof bool
	Log         *slog.Logger

	// RateLimit is the per-client request rate in requests per second.
	// Zero disables rate limiting.
	RateLimit float64
	RateBurst int

	// TLS serves HTTPS. Empty cert and key files with TLS set generate a
	// self-signed certificate.
	TLS         bool
	TLSCertFile string
	TLSKeyFile  string

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// ReadinessFunc reports whether the backing store can serve requests.
type ReadinessFunc func(ctx context.Context) bool

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv       *http.Server
	directory *handlers.DirectoryHandler
	tokens    auth.TokenParser
	ready     ReadinessFunc
	limiter   *multiLimiter
}

func New(cfg *HTTPServerConfig, directory *handlers.DirectoryHandler, tokens auth.TokenParser, ready ReadinessFunc) (*Server, error) {
	if directory == nil || tokens == nil {
		return nil, errors.New("directory handler and token parser are required")
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = DefaultAPIPrefix
	}

	srv := &Server{
		cfg:       cfg,
		log:       cfg.Log,
		directory: directory,
		tokens:    tokens,
		ready:     ready,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		srv.limiter = newMultiLimiter(rate.Limit(cfg.RateLimit), burst, 10*time.Minute)
	}
	srv.isReady.Store(true)

	var tlsConfig *tls.Config
	if cfg.TLS {
		host, _, _ := net.SplitHostPort(cfg.ListenAddr)
		var err error
		tlsConfig, err = cryptoutils.ServerTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, host, "localhost")
		if err != nil {
			return nil, err
		}
	}

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		TLSConfig:    tlsConfig,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

// Handler returns the traced root handler.
func (srv *Server) Handler() http.Handler {
	return otelhttp.NewHandler(srv.getRouter(), "directory")
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Route(srv.cfg.APIPrefix, func(r chi.Router) {
		r.Use(srv.httpLogger)
		if srv.limiter != nil {
			r.Use(srv.limiter.middleware)
		}
		r.Use(auth.AuthRequired(srv.tokens))
		srv.directory.RegisterRoutes(r)
	})

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	if srv.ready != nil && !srv.ready(r.Context()) {
		writeStatus(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("Server marked as not ready")

	go func() {
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()
	writeStatus(w, http.StatusOK, "draining")
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"status":"` + status + `"}`))
}

func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr, "apiPrefix", srv.cfg.APIPrefix, "tls", srv.srv.TLSConfig != nil)
		var err error
		if srv.srv.TLSConfig != nil {
			err = srv.srv.ListenAndServeTLS("", "")
		} else {
			err = srv.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

func (srv *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}
}
