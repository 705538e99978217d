package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"account-ledger/internal/config"
	"account-ledger/internal/grpcserver"
	"account-ledger/internal/handler"
	"account-ledger/internal/lock"
	"account-ledger/internal/notify"
	"account-ledger/internal/repository"
	"account-ledger/internal/service"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

const (
	janitorInterval     = 15 * time.Minute
	healthProbeInterval = 10 * time.Second
	webhookTimeout      = 5 * time.Second
)

// Server represents the HTTP server and the background workers that share
// its database
type Server struct {
	router     *mux.Router
	handler    http.Handler
	server     *http.Server
	grpc       *grpcserver.Server
	store      *repository.Store
	guard      *service.IdempotencyGuard
	txs        *service.TransactionService
	dispatcher *notify.Dispatcher
	cfg        *config.Config
	logger     *slog.Logger
	port       string
	grpcPort   string

	cancel  context.CancelFunc
	workers *errgroup.Group
}

// NewServer connects to the configured store and wires every component.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := context.Background()

	dialect, dsn := storage(cfg)
	db, err := repository.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to database", "driver", dialect.String())

	if cfg.AutoMigrate {
		if err := repository.Migrate(ctx, db, dialect, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	// Initialize store (Unit of Work)
	store := repository.NewStore(db, dialect, logger)

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhookURL, webhookTimeout)
	}
	dispatcher := notify.NewDispatcher(store, notifier, cfg.OutboxPollInterval, cfg.OutboxBatchSize, cfg.OutboxMaxAttempts, logger)

	// Initialize services. Account locks are shared by every writer.
	locks := lock.NewKeyed[int64]()
	guard := service.NewIdempotencyGuard(store, cfg.IdempotencyRetention, cfg.IdempotencyLease, logger)
	transactionService := service.NewTransactionService(store, guard, locks, service.TransactionConfig{
		Limits: service.Limits{
			MaxDeposit:     cfg.MaxSingleDeposit,
			MaxWithdrawal:  cfg.MaxSingleWithdrawal,
			OverdraftLimit: cfg.OverdraftLimit,
		},
		LockTimeout: cfg.LockTimeout,
		ApplyMode:   cfg.ApplyMode,
		Alerter:     service.LogAlerter{Logger: logger},
		Waker:       dispatcher,
	}, logger)
	accountService := service.NewAccountService(store, locks, cfg.LockTimeout, logger)
	queryService := service.NewQueryService(store, logger)

	// Initialize handlers
	accountHandler := handler.NewAccountHandler(accountService, queryService)
	transactionHandler := handler.NewTransactionHandler(transactionService)
	reportHandler := handler.NewReportHandler(queryService)

	// Setup router
	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))

	// Account routes
	router.HandleFunc("/accounts", accountHandler.CreateAccount).Methods("POST")
	router.HandleFunc("/accounts/by-number/{account_number}", accountHandler.GetAccountByNumber).Methods("GET")
	router.HandleFunc("/accounts/{account_id}", accountHandler.GetAccount).Methods("GET")
	router.HandleFunc("/accounts/{account_id}/status", accountHandler.ChangeStatus).Methods("POST")
	router.HandleFunc("/accounts/{account_id}/statement", accountHandler.GetStatement).Methods("GET")
	router.HandleFunc("/accounts/{account_id}/verify", accountHandler.VerifyBalance).Methods("GET")

	// Transaction routes
	router.HandleFunc("/transactions/deposit", transactionHandler.Deposit).Methods("POST")
	router.HandleFunc("/transactions/withdraw", transactionHandler.Withdraw).Methods("POST")
	router.HandleFunc("/transactions/transfer", transactionHandler.Transfer).Methods("POST")
	router.HandleFunc("/transactions/{reference}", transactionHandler.GetTransaction).Methods("GET")
	router.HandleFunc("/transactions/{reference}/redact", transactionHandler.Redact).Methods("POST")

	// Reporting routes
	router.HandleFunc("/reports/summary", reportHandler.Summary).Methods("GET")
	router.HandleFunc("/reports/daily", reportHandler.Daily).Methods("GET")
	router.HandleFunc("/incidents", reportHandler.Incidents).Methods("GET")

	// Health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
			return
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods("GET")

	// CORS has to see preflight requests before the router rejects the
	// OPTIONS method.
	var h http.Handler = router
	h = cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	})(h)
	h = middleware.Recoverer(h)
	h = middleware.RealIP(h)
	h = requestIDHeader(h)
	h = middleware.RequestID(h)

	return &Server{
		router:     router,
		handler:    h,
		grpc:       grpcserver.New(store, cfg.HealthToken, healthProbeInterval, logger),
		store:      store,
		guard:      guard,
		txs:        transactionService,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

func storage(cfg *config.Config) (repository.Dialect, string) {
	if cfg.StoreDriver == config.DriverSQLite {
		return repository.SQLite, cfg.GetSQLiteDSN()
	}
	return repository.Postgres, cfg.GetDBConnectionString()
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response wrapper to capture status code
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// requestIDHeader echoes the request id assigned by middleware.RequestID.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start listens on the HTTP port (and the gRPC port when configured) and
// launches the background workers. Abandoned two-phase entries are
// compensated before the first request is accepted; entries that cannot be
// compensated are left to operators and do not keep the server down.
func (s *Server) Start(port string) (string, error) {
	if s.cfg.ApplyMode == config.ApplyModeTwoPhase {
		recovered, err := s.txs.RecoverPending(context.Background(), s.cfg.IdempotencyLease)
		if err != nil {
			s.logger.Error("Recovery of abandoned transactions failed", "error", err)
		}
		if recovered > 0 {
			s.logger.Warn("Compensated abandoned transactions", "count", recovered)
		}
	}

	// Create listener first to get actual port
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}
	s.port = strconv.Itoa(listener.Addr().(*net.TCPAddr).Port)

	var grpcListener net.Listener
	if s.cfg.GRPCPort != "" {
		grpcListener, err = net.Listen("tcp", ":"+s.cfg.GRPCPort)
		if err != nil {
			listener.Close()
			return "", err
		}
		s.grpcPort = strconv.Itoa(grpcListener.Addr().(*net.TCPAddr).Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	workers, ctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.workers = workers

	workers.Go(func() error { return s.dispatcher.Run(ctx) })
	workers.Go(func() error { return s.guard.RunJanitor(ctx, janitorInterval) })
	if grpcListener != nil {
		workers.Go(func() error { return s.grpc.Serve(ctx, grpcListener) })
	}

	s.server = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port, "grpc_port", s.grpcPort, "apply_mode", s.cfg.ApplyMode)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed", "error", err)
		}
	}()

	return s.port, nil
}

// Stop drains HTTP requests, then stops the workers and closes the database.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var shutdownErr error
	if s.server != nil {
		shutdownErr = s.server.Shutdown(ctx)
	}

	if s.cancel != nil {
		s.cancel()
		if err := s.workers.Wait(); err != nil {
			s.logger.Error("Background worker failed", "error", err)
		}
	}

	if err := s.store.DB().Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	return shutdownErr
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetGRPCPort returns the gRPC port, empty when gRPC is disabled.
func (s *Server) GetGRPCPort() string {
	return s.grpcPort
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config) (*Server, string, error) {
	var logger *slog.Logger
	if cfg.ServerPort == "0" {
		// Test environment - use discard logger
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.store.DB().Close()
		return nil, "", err
	}

	return server, port, nil
}
