// Package pool maintains a bounded set of live database sessions.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/powa-team/querypool/internal/model"
)

var (
	// ErrPoolExhausted is returned when no connection became available
	// within the acquisition timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned by operations on a pool that is shutting down.
	ErrPoolClosed = errors.New("connection pool closed")
)

// Config bounds and times a Pool.
type Config struct {
	Min            int
	Max            int
	AcquireTimeout time.Duration
	PollInterval   time.Duration
	IdleTimeout    time.Duration
	ShutdownGrace  time.Duration

	// HealthCheckQuery is executed before a connection is reused. When empty
	// the connection is pinged instead.
	HealthCheckQuery string
}

func (c *Config) applyDefaults() {
	if c.Max < 1 {
		c.Max = 1
	}
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// Pool hands out Connections. total counts every connection it owns,
// including dials in flight, and never exceeds Max. A connection is either
// in available or in busy, never both.
type Pool struct {
	dialer Dialer
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	available []*Connection
	busy      map[string]*Connection
	total     int
	closed    bool

	created   int64
	destroyed int64
	exhausted int64
}

// New creates a Pool. No connections are opened until Acquire or
// EnsureMinConnections is called.
func New(dialer Dialer, cfg Config, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		dialer: dialer,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "pool")),
		now:    time.Now,
		busy:   make(map[string]*Connection),
	}
}

// Acquire returns a healthy connection, reusing an available one first,
// dialing a new one while below Max, and otherwise polling until one is
// released or AcquireTimeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*Connection, error) {
	deadline := time.NewTimer(p.cfg.AcquireTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, dial, err := p.take()
		if err != nil {
			return nil, err
		}

		if c != nil {
			if err := p.check(ctx, c); err != nil {
				// A check cut short by the caller says nothing about the
				// connection.
				if ctxErr := ctx.Err(); ctxErr != nil {
					p.Release(c)
					return nil, ctxErr
				}
				p.logger.Debug("discarding unhealthy connection",
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
				p.Discard(c)
				continue
			}
			return c, nil
		}

		if dial {
			return p.open(ctx)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			p.mu.Lock()
			p.exhausted++
			p.mu.Unlock()
			p.logger.Warn("connection acquisition timed out",
				zap.Duration("timeout", p.cfg.AcquireTimeout),
				zap.Int("max", p.cfg.Max),
			)
			return nil, fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, p.cfg.AcquireTimeout)
		case <-ticker.C:
		}
	}
}

// take pops the oldest available connection and marks it busy, or reserves
// a slot for a new dial when below Max.
func (p *Pool) take() (*Connection, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, ErrPoolClosed
	}
	if len(p.available) > 0 {
		c := p.available[0]
		p.available[0] = nil
		p.available = p.available[1:]
		p.busy[c.id] = c
		return c, false, nil
	}
	if p.total < p.cfg.Max {
		p.total++
		return nil, true, nil
	}
	return nil, false, nil
}

func (p *Pool) check(ctx context.Context, c *Connection) error {
	if p.cfg.HealthCheckQuery != "" {
		_, err := c.conn.ExecContext(ctx, p.cfg.HealthCheckQuery)
		return err
	}
	return c.conn.PingContext(ctx)
}

// dial opens a connection for a slot already reserved in total.
func (p *Pool) dial(ctx context.Context) (*Connection, error) {
	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	return newConnection(conn, p.now()), nil
}

func (p *Pool) open(ctx context.Context) (*Connection, error) {
	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		p.closeConnection(c)
		return nil, ErrPoolClosed
	}
	p.created++
	p.busy[c.id] = c
	p.mu.Unlock()

	p.logger.Debug("connection opened", zap.String("conn_id", c.id))
	return c, nil
}

// Release returns a busy connection to the pool. When available is already
// at Max, or the pool is closed, the connection is destroyed instead.
// Releasing a connection the pool no longer tracks is a no-op.
func (p *Pool) Release(c *Connection) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.busy[c.id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.busy, c.id)

	if p.closed || len(p.available) >= p.cfg.Max {
		p.total--
		p.destroyed++
		p.mu.Unlock()
		p.closeConnection(c)
		return
	}
	c.touch(p.now())
	p.available = append(p.available, c)
	p.mu.Unlock()
}

// Discard destroys a busy connection instead of returning it.
func (p *Pool) Discard(c *Connection) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.busy[c.id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.busy, c.id)
	p.total--
	p.destroyed++
	p.mu.Unlock()

	p.closeConnection(c)
}

func (p *Pool) closeConnection(c *Connection) {
	if err := closeConn(c.conn); err != nil {
		p.logger.Debug("closing connection failed",
			zap.String("conn_id", c.id),
			zap.Error(err),
		)
	}
}

// EnsureMinConnections opens connections until total reaches Min. Dial
// failures are logged and skipped. It returns the number opened.
func (p *Pool) EnsureMinConnections(ctx context.Context) int {
	p.mu.Lock()
	missing := p.cfg.Min - p.total
	p.mu.Unlock()

	opened := 0
	for i := 0; i < missing; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.Min {
			p.mu.Unlock()
			break
		}
		p.total++
		p.mu.Unlock()

		c, err := p.dial(ctx)
		if err != nil {
			p.logger.Warn("warmup connection failed", zap.Error(err))
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.total--
			p.mu.Unlock()
			p.closeConnection(c)
			break
		}
		p.created++
		p.available = append(p.available, c)
		p.mu.Unlock()
		opened++
	}

	if opened > 0 {
		p.logger.Debug("pool warmed", zap.Int("opened", opened))
	}
	return opened
}

// ReapIdle destroys available connections unused for longer than
// IdleTimeout, keeping at least Min, then tops the pool back up to Min.
// Busy connections are never touched. It returns the number destroyed.
func (p *Pool) ReapIdle(ctx context.Context) int {
	cutoff := p.now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	var (
		keep   = p.available[:0]
		reaped []*Connection
	)
	for _, c := range p.available {
		if c.LastUsedAt().Before(cutoff) && p.total > p.cfg.Min {
			reaped = append(reaped, c)
			p.total--
			p.destroyed++
			continue
		}
		keep = append(keep, c)
	}
	for i := len(keep); i < len(p.available); i++ {
		p.available[i] = nil
	}
	p.available = keep
	p.mu.Unlock()

	for _, c := range reaped {
		p.closeConnection(c)
	}
	if len(reaped) > 0 {
		p.logger.Debug("reaped idle connections", zap.Int("count", len(reaped)))
	}

	p.EnsureMinConnections(ctx)
	return len(reaped)
}

// Shutdown stops handing out connections, waits up to ShutdownGrace (or
// until ctx is done) for busy connections to be released, then closes
// everything that remains.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

wait:
	for {
		p.mu.Lock()
		busy := len(p.busy)
		p.mu.Unlock()
		if busy == 0 {
			break
		}

		select {
		case <-ctx.Done():
			break wait
		case <-grace.C:
			break wait
		case <-ticker.C:
		}
	}

	p.mu.Lock()
	remaining := make([]*Connection, 0, len(p.available)+len(p.busy))
	remaining = append(remaining, p.available...)
	forced := len(p.busy)
	for _, c := range p.busy {
		remaining = append(remaining, c)
	}
	p.available = nil
	p.busy = make(map[string]*Connection)
	p.destroyed += int64(len(remaining))
	p.total -= len(remaining)
	p.mu.Unlock()

	for _, c := range remaining {
		p.closeConnection(c)
	}

	if forced > 0 {
		p.logger.Warn("pool shut down with busy connections", zap.Int("forced", forced))
	} else {
		p.logger.Info("pool shut down", zap.Int("closed", len(remaining)))
	}
	return nil
}

// Stats returns the current pool counters.
func (p *Pool) Stats() model.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return model.PoolStats{
		Total:     p.total,
		Available: len(p.available),
		Busy:      len(p.busy),
		Min:       p.cfg.Min,
		Max:       p.cfg.Max,
		Created:   p.created,
		Destroyed: p.destroyed,
		Exhausted: p.exhausted,
	}
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
