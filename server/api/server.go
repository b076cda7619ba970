// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the admin HTTP interface of a region node.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/geoflux/logstorage"
	"github.com/absmach/geoflux/replication"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config holds configuration for the admin API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides the admin HTTP API over h2c.
type Server struct {
	config     Config
	manager    *replication.Manager
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new admin API server.
func New(config Config, manager *replication.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  config,
		manager: manager,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/topics", s.handleListTopics)
	mux.HandleFunc("POST /v1/topics", s.handleCreateTopic)
	mux.HandleFunc("POST /v1/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /v1/subscriptions", s.handleUnsubscribe)
	mux.HandleFunc("GET /v1/replicated-subscriptions", s.handleGetReplicatedStatus)
	mux.HandleFunc("PUT /v1/replicated-subscriptions", s.handleSetReplicatedStatus)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      h2c.NewHandler(mux, h2s),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Listen starts the admin API server and blocks until the context is
// cancelled.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting admin API server (h2c)", slog.String("address", s.config.Address))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down admin API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("admin API server error: %w", err)
	}
}

// Handler returns the server's HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleListTopics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"topics": s.manager.Topics()})
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Partitions int    `json:"partitions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if err := s.manager.CreateTopic(req.Name, req.Partitions); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name, "partitions": req.Partitions})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic        string `json:"topic"`
		Subscription string `json:"subscription"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" || req.Subscription == "" {
		writeError(w, http.StatusBadRequest, errors.New("topic and subscription are required"))
		return
	}
	if err := s.manager.Subscribe(req.Topic, req.Subscription); err != nil {
		s.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	sub := r.URL.Query().Get("subscription")
	if topic == "" || sub == "" {
		writeError(w, http.StatusBadRequest, errors.New("topic and subscription are required"))
		return
	}
	if err := s.manager.Unsubscribe(topic, sub); err != nil {
		s.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetReplicatedStatus(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	sub := r.URL.Query().Get("subscription")
	if topic == "" || sub == "" {
		writeError(w, http.StatusBadRequest, errors.New("topic and subscription are required"))
		return
	}
	status, err := s.manager.GetReplicatedSubscriptionStatus(topic, sub)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSetReplicatedStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic        string `json:"topic"`
		Subscription string `json:"subscription"`
		Enabled      bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" || req.Subscription == "" {
		writeError(w, http.StatusBadRequest, errors.New("topic and subscription are required"))
		return
	}
	if err := s.manager.SetReplicatedSubscriptionStatus(req.Topic, req.Subscription, req.Enabled); err != nil {
		s.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, errors.New("topic is required"))
		return
	}
	stats, err := s.manager.Stats(topic)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replication.ErrTopicNotFound), errors.Is(err, logstorage.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, replication.ErrTopicExists):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, replication.ErrNamespaceNotReplicated):
		writeError(w, http.StatusPreconditionFailed, err)
	case errors.Is(err, replication.ErrManagerClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.logger.Error("Admin API request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
