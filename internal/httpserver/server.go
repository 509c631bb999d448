// Package httpserver exposes the token ledger over HTTP: client endpoints for
// balance, consumption, and purchase verification, platform webhook receivers,
// an SSE balance stream, and a small admin surface.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindloadai/tokenledger/internal/abuseguard"
	"github.com/mindloadai/tokenledger/internal/verifier"
	"github.com/mindloadai/tokenledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	deviceHeader = "X-Device-Fingerprint"
)

// Config carries the server's wiring knobs.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	// AdminToken guards the admin routes; empty disables them.
	AdminToken string
}

// Server is the HTTP front of the ledger.
type Server struct {
	config      Config
	service     *ledger.Service
	verifier    *verifier.Verifier
	guard       *abuseguard.Guard
	broadcaster *ledger.Broadcaster
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	httpServer  *http.Server
}

// New wires a Server. The verifier, guard, broadcaster, and gatherer are
// optional; routes that need a missing dependency are not mounted.
func New(
	config Config,
	service *ledger.Service,
	purchaseVerifier *verifier.Verifier,
	guard *abuseguard.Guard,
	broadcaster *ledger.Broadcaster,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: missing ledger service", ledger.ErrInvalidServiceConfig)
	}
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("%w: missing listen address", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		config:      config,
		service:     service,
		verifier:    purchaseVerifier,
		guard:       guard,
		broadcaster: broadcaster,
		gatherer:    gatherer,
		logger:      logger,
	}
	server.httpServer = &http.Server{
		Addr:         config.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
	return server, nil
}

// Router builds the chi routing tree.
func (server *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	if len(server.config.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   server.config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", deviceHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	router.Get("/healthz", server.handleHealth)
	if server.gatherer != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(server.gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/v1", func(router chi.Router) {
		router.Post("/accounts", server.handleGetOrCreateAccount)
		router.Get("/accounts/{accountID}", server.handleGetAccount)
		router.Get("/accounts/{accountID}/history", server.handleHistory)
		if server.broadcaster != nil {
			router.Get("/accounts/{accountID}/stream", server.handleStream)
		}
		router.Post("/consume", server.handleConsume)
		if server.verifier != nil {
			router.Post("/purchases/verify", server.handleVerifyPurchase)
			router.Post("/purchases/restore", server.handleRestorePurchases)
			router.Post("/webhooks/apple", server.handleAppleWebhook)
			router.Post("/webhooks/google", server.handleGoogleWebhook)
		}
		if server.config.AdminToken != "" {
			router.Route("/admin", func(router chi.Router) {
				router.Use(server.requireAdmin)
				router.Post("/accounts/{accountID}/adjust", server.handleAdjust)
				router.Post("/accounts/{accountID}/tier", server.handleSetTier)
				router.Post("/accounts/{accountID}/archive", server.handleArchive)
				router.Post("/accounts/{accountID}/reset", server.handleMonthlyReset)
			})
		}
	})
	return router
}

// Start serves until the listener fails or Shutdown is called.
func (server *Server) Start() error {
	server.logger.Info("http server listening", zap.String("addr", server.config.ListenAddr))
	err := server.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (server *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	return server.httpServer.Shutdown(shutdownCtx)
}

func (server *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer "+server.config.AdminToken {
			respondError(writer, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next.ServeHTTP(writer, request)
	})
}

func (server *Server) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	respondJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
}
