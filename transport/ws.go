// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/geoflux/logstorage"
	"github.com/absmach/geoflux/membership"
	"github.com/absmach/geoflux/replication"
	"github.com/gorilla/websocket"
)

// WSConfig holds the WebSocket replication listener settings.
type WSConfig struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
}

// WSServer accepts replication connections over WebSocket, for deployments
// where regions can only reach each other through HTTP-aware middleboxes.
// Each binary message carries one frame.
type WSServer struct {
	config   WSConfig
	applier  Applier
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewWSServer creates a WebSocket replication server.
func NewWSServer(cfg WSConfig, applier Applier, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/replicate"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &WSServer{
		config:  cfg,
		applier: applier,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)
	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}
	return s
}

// Listen starts the server and blocks until the context is cancelled.
func (s *WSServer) Listen(ctx context.Context) error {
	s.logger.Info("WebSocket replication server started", "addr", s.config.Address, "path", s.config.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("WebSocket replication server stopped")
		return nil
	}
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	remote := r.RemoteAddr
	s.logger.Debug("WebSocket replication connection accepted", "remote_addr", remote)

	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debug("WebSocket replication connection closed", "remote_addr", remote, "error", err)
			return
		}
		if msgType != websocket.BinaryMessage || len(payload) < 1 || payload[0] != FrameBatch {
			s.logger.Warn("Unexpected WebSocket message", "remote_addr", remote)
			return
		}

		applyErr := s.applyBatch(payload[1:])
		if applyErr != nil {
			s.logger.Warn("Failed to apply replication batch", "remote_addr", remote, "error", applyErr)
		}
		ack := append([]byte{FrameAck}, EncodeAck(applyErr)...)
		if err := ws.WriteMessage(websocket.BinaryMessage, ack); err != nil {
			return
		}
	}
}

func (s *WSServer) applyBatch(payload []byte) error {
	partition, entries, err := DecodeBatch(payload)
	if err != nil {
		return err
	}
	return s.applier.Apply(partition, entries)
}

var _ replication.Dialer = (*WSDialer)(nil)

// WSDialer connects to peer regions over WebSocket.
type WSDialer struct {
	provider membership.Provider
	path     string
}

// NewWSDialer creates a WebSocket replication dialer. Peer addresses from
// the membership provider are host:port; the path is appended.
func NewWSDialer(provider membership.Provider, path string) *WSDialer {
	if path == "" {
		path = "/replicate"
	}
	return &WSDialer{provider: provider, path: path}
}

func (d *WSDialer) Dial(ctx context.Context, region string) (replication.RemoteClient, error) {
	addr, err := d.provider.Address(region)
	if err != nil {
		return nil, err
	}
	url := "ws://" + addr + d.path
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial region %s at %s: %w", region, url, err)
	}
	return &WSClient{ws: ws}, nil
}

var _ replication.RemoteClient = (*WSClient)(nil)

// WSClient is one outbound WebSocket replication connection.
type WSClient struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *WSClient) Send(ctx context.Context, partition string, entries []logstorage.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(deadline)
		c.ws.SetReadDeadline(deadline)
		defer func() {
			c.ws.SetWriteDeadline(time.Time{})
			c.ws.SetReadDeadline(time.Time{})
		}()
	}

	msg := append([]byte{FrameBatch}, EncodeBatch(partition, entries)...)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return err
	}
	msgType, payload, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	if msgType != websocket.BinaryMessage || len(payload) < 1 || payload[0] != FrameAck {
		return fmt.Errorf("%w: expected ack message", ErrBadFrame)
	}
	return DecodeAck(payload[1:])
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Close()
}
