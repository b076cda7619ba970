// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/geoflux/logstorage"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RemoteClient is one established producer toward a remote region.
type RemoteClient interface {
	// Send mirrors a batch of entries into the remote region's copy of the
	// partition. It returns once the remote has durably applied the batch.
	Send(ctx context.Context, partition string, entries []logstorage.Entry) error
	Close() error
}

// Dialer establishes producers toward remote regions.
type Dialer interface {
	Dial(ctx context.Context, region string) (RemoteClient, error)
}

// LinkState is the connection state of a replicator link.
type LinkState int32

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Link lifecycle defaults.
const (
	DefaultIdleCloseGrace = 30 * time.Second
	DefaultLinkBatchSize  = 64

	linkRetryBaseDelay = 250 * time.Millisecond
	linkRetryMaxDelay  = 30 * time.Second
	linkBreakerTimeout = 10 * time.Second
)

// LinkConfig holds settings for one replicator link.
type LinkConfig struct {
	Partition    string
	LocalRegion  string
	RemoteRegion string

	// IdleCloseGrace is how long the link stays connected at zero backlog
	// before the outbound producer is torn down.
	IdleCloseGrace time.Duration

	// RateLimit caps mirrored entries per second; zero disables limiting.
	RateLimit float64
	RateBurst int

	BatchSize int
}

// Link mirrors one partition's local-origin entries (data and markers alike)
// toward one remote region. It owns the connect / idle-close / reconnect
// lifecycle; resumption always starts from the durable replication cursor,
// so tearing the producer down never loses data. Mirroring is asynchronous
// relative to the local write path.
type Link struct {
	cfg     LinkConfig
	part    logstorage.Partition
	dialer  Dialer
	logger  *slog.Logger
	metrics *Metrics

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	state atomic.Int32

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the run goroutine.
	client   RemoteClient
	failures int
}

// NewLink creates a replicator link. Start must be called to begin mirroring.
func NewLink(cfg LinkConfig, part logstorage.Partition, dialer Dialer, logger *slog.Logger, metrics *Metrics) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleCloseGrace <= 0 {
		cfg.IdleCloseGrace = DefaultIdleCloseGrace
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultLinkBatchSize
	}

	l := &Link{
		cfg:     cfg,
		part:    part,
		dialer:  dialer,
		logger:  logger.With("partition", cfg.Partition, "remote_region", cfg.RemoteRegion),
		metrics: metrics,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "replicator-" + cfg.RemoteRegion,
		Timeout: linkBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = cfg.BatchSize
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return l
}

// Start launches the mirroring goroutine.
func (l *Link) Start() {
	go l.run()
}

// Close tears the link down. Safe to call more than once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		<-l.done
	})
}

// State returns the link's connection state.
func (l *Link) State() LinkState {
	return LinkState(l.state.Load())
}

// IsConnected reports whether the outbound producer is established.
func (l *Link) IsConnected() bool {
	return l.State() == LinkConnected
}

// Backlog estimates the number of entries not yet mirrored to the remote
// region.
func (l *Link) Backlog() uint64 {
	last, ok := l.part.LastPosition()
	if !ok {
		return 0
	}
	cursor, err := l.part.ReplicationCursor(l.cfg.RemoteRegion)
	if err != nil {
		return 0
	}
	return l.part.Distance(cursor, last)
}

func (l *Link) run() {
	defer close(l.done)
	defer l.disconnect(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.stopCh
		cancel()
	}()

	watch := l.part.Watch()
	idle := time.NewTimer(l.cfg.IdleCloseGrace)
	defer idle.Stop()

	for {
		sent, err := l.drain(ctx)
		if err != nil {
			return
		}
		if sent {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(l.cfg.IdleCloseGrace)
			continue
		}

		select {
		case <-l.stopCh:
			return
		case _, ok := <-watch:
			if !ok {
				return
			}
		case <-idle.C:
			// Remote fully caught up for the whole grace period; free the
			// producer. The next local append reconnects transparently.
			if l.client != nil {
				l.logger.Debug("Closing idle replicator producer")
				l.metrics.recordLinkIdleClose(ctx, l.cfg.RemoteRegion)
				l.disconnect(false)
			}
		}
	}
}

// drain mirrors everything behind the replication cursor. It returns whether
// any progress was made, and a non-nil error only on shutdown.
func (l *Link) drain(ctx context.Context) (bool, error) {
	progressed := false
	for {
		cursor, err := l.part.ReplicationCursor(l.cfg.RemoteRegion)
		if err != nil {
			l.logger.Warn("Failed to load replication cursor", "error", err)
			return progressed, nil
		}
		entries, err := l.part.Read(cursor, l.cfg.BatchSize)
		if err != nil {
			l.logger.Warn("Failed to read partition log", "error", err)
			return progressed, nil
		}
		if len(entries) == 0 {
			return progressed, nil
		}

		// Mirror only local-origin entries; foreign ones were mirrored to
		// us and mirroring them onward would loop.
		locals := entries[:0:0]
		for _, e := range entries {
			if e.Origin == l.cfg.LocalRegion {
				locals = append(locals, e)
			}
		}

		if len(locals) > 0 {
			if err := l.send(ctx, locals); err != nil {
				if errors.Is(err, context.Canceled) {
					return progressed, err
				}
				if err := l.backoff(ctx); err != nil {
					return progressed, err
				}
				continue
			}
			l.metrics.recordEntriesReplicated(ctx, l.cfg.RemoteRegion, len(locals))
		}

		if err := l.part.SaveReplicationCursor(l.cfg.RemoteRegion, entries[len(entries)-1].Position); err != nil {
			l.logger.Warn("Failed to save replication cursor", "error", err)
			return progressed, nil
		}
		l.failures = 0
		progressed = true
	}
}

func (l *Link) send(ctx context.Context, entries []logstorage.Entry) error {
	if err := l.connect(ctx); err != nil {
		return err
	}
	if l.limiter != nil {
		if err := l.limiter.WaitN(ctx, len(entries)); err != nil {
			return err
		}
	}
	_, err := l.breaker.Execute(func() (any, error) {
		return nil, l.client.Send(ctx, l.cfg.Partition, entries)
	})
	if err != nil {
		l.logger.Warn("Replication send failed", "error", err)
		l.disconnect(true)
		return err
	}
	return nil
}

func (l *Link) connect(ctx context.Context) error {
	if l.client != nil {
		return nil
	}
	l.state.Store(int32(LinkConnecting))
	l.metrics.recordLinkReconnect(ctx, l.cfg.RemoteRegion)

	client, err := l.dialer.Dial(ctx, l.cfg.RemoteRegion)
	if err != nil {
		l.state.Store(int32(LinkDisconnected))
		l.logger.Warn("Failed to connect to remote region", "error", err)
		return err
	}
	l.client = client
	l.state.Store(int32(LinkConnected))
	l.logger.Debug("Replicator link connected")
	return nil
}

func (l *Link) disconnect(failed bool) {
	if l.client != nil {
		_ = l.client.Close()
		l.client = nil
	}
	l.state.Store(int32(LinkDisconnected))
	if failed {
		l.failures++
	}
}

// backoff sleeps with exponential delay between reconnection attempts.
func (l *Link) backoff(ctx context.Context) error {
	delay := linkRetryBaseDelay << min(l.failures, 7)
	if delay > linkRetryMaxDelay {
		delay = linkRetryMaxDelay
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
