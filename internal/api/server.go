// Package api exposes the keeper's order registry over HTTP.
//
// The surface is a small JSON REST API for makers and operators: create,
// inspect, modify and cancel advanced orders, plus a health probe. It is
// a thin adapter over the registry service; no business rules live here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"lop-keeper/internal/registry"
	"lop-keeper/internal/sign"
	"lop-keeper/internal/strategy"
	"lop-keeper/pkg/types"
)

// Server is the HTTP control surface.
type Server struct {
	orders *registry.Service
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates the API server on the given port.
func NewServer(orders *registry.Service, port int, logger *slog.Logger) *Server {
	s := &Server{
		orders: orders,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /orders", s.handleCreate)
	mux.HandleFunc("GET /orders", s.handleList)
	mux.HandleFunc("GET /orders/{id}", s.handleGet)
	mux.HandleFunc("GET /orders/{id}/events", s.handleEvents)
	mux.HandleFunc("PATCH /orders/{id}", s.handleModify)
	mux.HandleFunc("DELETE /orders/{id}", s.handleCancel)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks; run in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error())
		return
	}

	o, err := s.orders.Create(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var (
		orders []*types.Order
		err    error
	)
	if maker := r.URL.Query().Get("maker"); maker != "" {
		orders, err = s.orders.ListByMaker(r.Context(), maker)
	} else {
		orders, err = s.orders.ListActive(r.Context())
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if orders == nil {
		orders = []*types.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.orders.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []types.OrderEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	var patch types.ModifyPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody", err.Error())
		return
	}

	replacement, err := s.orders.Modify(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replacement)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.orders.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps registry errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, registry.ErrNotModifiable):
		writeError(w, http.StatusConflict, "Terminal", err.Error())
	case errors.Is(err, strategy.ErrUnknownOrderType):
		writeError(w, http.StatusBadRequest, "UnknownOrderType", err.Error())
	case errors.Is(err, strategy.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, "InvalidParams", err.Error())
	case errors.Is(err, sign.ErrSignatureInvalid):
		writeError(w, http.StatusBadRequest, "InvalidSignature", err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
