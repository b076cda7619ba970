// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/geoflux/logstorage"
	"github.com/absmach/geoflux/membership"
	"github.com/absmach/geoflux/replication"
)

const dialTimeout = 5 * time.Second

// Applier ingests replication batches arriving from remote regions.
type Applier interface {
	Apply(partition string, entries []logstorage.Entry) error
}

// ServerConfig holds the inbound replication listener settings.
type ServerConfig struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server accepts replication connections from peer regions and applies
// their batches.
type Server struct {
	config  ServerConfig
	applier Applier
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a replication server.
func NewServer(cfg ServerConfig, applier Applier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		config:  cfg,
		applier: applier,
		logger:  logger,
	}
}

// Listen starts accepting replication connections and blocks until the
// context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Replication server started", "addr", listener.Addr().String())

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Warn("Accept failed", "error", err)
				}
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(conn)
			}()
		}
	}()

	<-ctx.Done()
	listener.Close()
	<-acceptDone

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("Shutdown timeout exceeded; abandoning open replication connections")
	}
	s.logger.Info("Replication server stopped")
	return nil
}

// Addr returns the bound listener address, useful when listening on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.logger.Debug("Replication connection accepted", "remote_addr", remote)

	for {
		typ, payload, err := ReadFrame(conn)
		if err != nil {
			s.logger.Debug("Replication connection closed", "remote_addr", remote, "error", err)
			return
		}
		if typ != FrameBatch {
			s.logger.Warn("Unexpected frame type", "remote_addr", remote, "type", typ)
			return
		}

		applyErr := s.applyBatch(payload)
		if applyErr != nil {
			s.logger.Warn("Failed to apply replication batch", "remote_addr", remote, "error", applyErr)
		}
		if err := WriteFrame(conn, FrameAck, EncodeAck(applyErr)); err != nil {
			s.logger.Debug("Failed to write ack", "remote_addr", remote, "error", err)
			return
		}
	}
}

func (s *Server) applyBatch(payload []byte) error {
	partition, entries, err := DecodeBatch(payload)
	if err != nil {
		return err
	}
	return s.applier.Apply(partition, entries)
}

var _ replication.Dialer = (*Dialer)(nil)

// Dialer connects to peer regions over TCP, resolving their addresses
// through the membership provider at dial time.
type Dialer struct {
	provider membership.Provider
}

// NewDialer creates a TCP replication dialer.
func NewDialer(provider membership.Provider) *Dialer {
	return &Dialer{provider: provider}
}

func (d *Dialer) Dial(ctx context.Context, region string) (replication.RemoteClient, error) {
	addr, err := d.provider.Address(region)
	if err != nil {
		return nil, err
	}
	var nd net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial region %s at %s: %w", region, addr, err)
	}
	return &Client{conn: conn}, nil
}

var _ replication.RemoteClient = (*Client)(nil)

// Client is one outbound replication connection. Send is synchronous: each
// batch is acknowledged by the remote before the next one goes out.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *Client) Send(ctx context.Context, partition string, entries []logstorage.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := WriteFrame(c.conn, FrameBatch, EncodeBatch(partition, entries)); err != nil {
		return err
	}
	typ, payload, err := ReadFrame(c.conn)
	if err != nil {
		return err
	}
	if typ != FrameAck {
		return fmt.Errorf("%w: expected ack, got frame type %d", ErrBadFrame, typ)
	}
	return DecodeAck(payload)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
