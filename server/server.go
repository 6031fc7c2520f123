package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tribihq/tribi/internal/config"
	"github.com/tribihq/tribi/internal/handlers"
)

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	handlers   *handlers.Handlers
	httpServer *http.Server
}

func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handlers) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handlers are required")
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		handlers: h,
	}

	router := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

func (s *Server) Run() error {
	s.logger.Info("server starting", "port", s.cfg.Port)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}

	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) buildRouter() *mux.Router {
	h := s.handlers

	r := mux.NewRouter()
	r.Use(h.RequestLogger)
	r.Use(h.SecurityHeaders)

	r.HandleFunc("/health", h.Health).Methods("GET").Name("health")

	// Provider deliveries authenticate via signature, not bearer tokens.
	r.HandleFunc("/payments/webhook", h.PaymentWebhook).Methods("POST").Name("payments.webhook")

	// Customer-facing fulfillment routes.
	api := r.NewRoute().Subrouter()
	api.Use(h.RequireUser)
	api.HandleFunc("/orders", h.CreateOrder).Methods("POST").Name("orders.create")
	api.HandleFunc("/orders/mine", h.ListOrders).Methods("GET").Name("orders.mine")
	api.HandleFunc("/payments/create", h.CreatePaymentIntent).Methods("POST").Name("payments.create")
	api.HandleFunc("/esims/activate", h.ActivateEsim).Methods("POST").Name("esims.activate")
	api.HandleFunc("/esims/mine", h.ListEsims).Methods("GET").Name("esims.mine")
	api.HandleFunc("/esims/{id}", h.GetEsim).Methods("GET").Name("esims.get")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	return r
}
