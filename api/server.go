// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

// Package api exposes the analytics over REST and a websocket transfer
// feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/joaquim-verges/x402scan/analytics"
	"github.com/joaquim-verges/x402scan/facilitators"
	"github.com/joaquim-verges/x402scan/storage"
)

const version = "1.0.0"

// Config for the API server.
type Config struct {
	HTTPPort  int
	ChainID   int64
	ChainName string
	// RateLimit of nil disables rate limiting.
	RateLimit *Limit
}

// Server provides the REST and websocket APIs.
type Server struct {
	config    Config
	store     *storage.Store
	analytics *analytics.Service
	registry  *facilitators.Registry
	wsHub     *WebSocketHub
	limiter   *RateLimiter
	router    *mux.Router
	logger    *log.Logger
}

// NewServer creates an API server.
func NewServer(cfg Config, store *storage.Store, svc *analytics.Service, registry *facilitators.Registry) *Server {
	s := &Server{
		config:    cfg,
		store:     store,
		analytics: svc,
		registry:  registry,
		wsHub:     NewWebSocketHub(),
		router:    mux.NewRouter(),
		logger:    log.New(os.Stdout, "[api] ", log.LstdFlags),
	}
	if cfg.RateLimit != nil {
		s.limiter = NewRateLimiter(cfg.RateLimit)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/overview", s.handleOverview).Methods("GET")
	api.HandleFunc("/series", s.handleSeries).Methods("GET")

	api.HandleFunc("/facilitators", s.handleFacilitators).Methods("GET")
	api.HandleFunc("/facilitators/known", s.handleKnownFacilitators).Methods("GET")
	api.HandleFunc("/facilitators/{name}", s.handleFacilitator).Methods("GET")
	api.HandleFunc("/facilitators/{name}/series", s.handleFacilitatorSeries).Methods("GET")

	api.HandleFunc("/sellers", s.handleTopSellers).Methods("GET")
	api.HandleFunc("/buyers", s.handleTopBuyers).Methods("GET")

	api.HandleFunc("/transfers", s.handleTransfers).Methods("GET")
	api.HandleFunc("/transfers/{id}", s.handleTransfer).Methods("GET")

	s.router.HandleFunc("/ws/transfers", s.handleTransfersFeed)
}

// Run starts the server and blocks until ctx is done or the listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	go s.wsHub.Run(ctx)

	handler := corsMiddleware(requestIDMiddleware(s.router))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("listening on port %d", s.config.HTTPPort)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Router returns the HTTP router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// BroadcastTransfer pushes a new transfer to websocket subscribers.
func (s *Server) BroadcastTransfer(ev *storage.TransferEvent, facilitator string) {
	s.wsHub.BroadcastTransfer(ev, facilitator)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// Helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Message: message})
}

// writeServiceError maps analytics errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, analytics.ErrInvalidParam):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, analytics.ErrUnknownFacilitator):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Printf("internal error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intQuery(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", analytics.ErrInvalidParam, name, raw)
	}
	return n, nil
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	block, at, err := s.store.LatestBlock(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		ChainID:         s.config.ChainID,
		ChainName:       s.config.ChainName,
		LatestBlock:     block,
		LatestBlockTime: at,
		Version:         version,
	})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.analytics.GetOverview(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ov)
}

func (s *Server) seriesParams(r *http.Request) (analytics.SeriesParams, error) {
	var params analytics.SeriesParams
	days, err := intQuery(r, "days")
	if err != nil {
		return params, err
	}
	bucket, err := analytics.ParseBucket(r.URL.Query().Get("bucket"))
	if err != nil {
		return params, err
	}
	params.Days = days
	params.Bucket = bucket
	params.Facilitator = r.URL.Query().Get("facilitator")
	return params, nil
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	params, err := s.seriesParams(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp, err := s.analytics.GetSeries(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFacilitators(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp, err := s.analytics.GetFacilitatorBreakdown(r.Context(), analytics.WindowParams{Days: days})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleKnownFacilitators(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Names()
	known := make([]facilitators.Facilitator, 0, len(names))
	for _, name := range names {
		known = append(known, facilitators.Facilitator{
			Name:      name,
			Addresses: s.registry.Addresses(name),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"facilitators": known})
}

func (s *Server) handleFacilitator(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	resolved, addrs, err := s.analytics.ResolveFacilitator(name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	days, err := intQuery(r, "days")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	breakdown, err := s.analytics.GetFacilitatorBreakdown(r.Context(), analytics.WindowParams{Days: days})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	for _, f := range breakdown.Facilitators {
		if f.Name == resolved {
			s.writeJSON(w, http.StatusOK, f)
			return
		}
	}
	// Known facilitator with no transfers in the window.
	s.writeJSON(w, http.StatusOK, analytics.FacilitatorStats{
		Name:      resolved,
		Addresses: addrs,
		Volume:    "0",
	})
}

func (s *Server) handleFacilitatorSeries(w http.ResponseWriter, r *http.Request) {
	params, err := s.seriesParams(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	params.Facilitator = mux.Vars(r)["name"]
	resp, err := s.analytics.GetSeries(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) topParams(r *http.Request) (analytics.TopParams, error) {
	var params analytics.TopParams
	days, err := intQuery(r, "days")
	if err != nil {
		return params, err
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		return params, err
	}
	params.Days = days
	params.Limit = limit
	return params, nil
}

func (s *Server) handleTopSellers(w http.ResponseWriter, r *http.Request) {
	params, err := s.topParams(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp, err := s.analytics.GetTopSellers(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTopBuyers(w http.ResponseWriter, r *http.Request) {
	params, err := s.topParams(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp, err := s.analytics.GetTopBuyers(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	page, err := intQuery(r, "page")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	pageSize, err := intQuery(r, "page_size")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp, err := s.analytics.ListTransfers(r.Context(), analytics.ListParams{
		Page:        page,
		PageSize:    pageSize,
		Facilitator: r.URL.Query().Get("facilitator"),
		Address:     r.URL.Query().Get("address"),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.GetTransfer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transfer":    ev,
		"facilitator": s.registry.DisplayName(ev.Facilitator),
	})
}
