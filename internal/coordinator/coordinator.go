package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/scheduler"
	"DistMR/internal/session"
	"DistMR/internal/types"
)

// Config for the coordinator.
type Config struct {
	Addr string // host:port to accept workers on
}

// DefaultConfig returns the address workers connect to by default.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8888"}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("coordinator address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("invalid coordinator address %q: %w", c.Addr, err)
	}
	return nil
}

// Coordinator accepts worker connections and drives them all from one
// scheduler.
type Coordinator struct {
	cfg       Config
	scheduler *scheduler.Scheduler
	logger    *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*session.Session
	wg       sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a coordinator over the given input units. It does not bind
// until Listen is called.
func New(cfg Config, units []types.InputUnit, lg *logger.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if lg == nil {
		lg = logger.New("INFO")
	}

	sched, err := scheduler.New(units, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	c := &Coordinator{
		cfg:       cfg,
		scheduler: sched,
		logger:    lg.Named("coordinator"),
		sessions:  make(map[string]*session.Session),
		done:      make(chan struct{}),
	}
	c.logger.Info("Coordinator initialized: addr=%s units=%d", cfg.Addr, len(units))
	return c, nil
}

// Listen binds the configured address.
func (c *Coordinator) Listen() error {
	l, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		c.logger.Error("Failed to listen: addr=%s err=%v", c.cfg.Addr, err)
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.Addr, err)
	}

	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()

	c.logger.Info("Serving on %s", l.Addr())
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (c *Coordinator) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		return c.listener.Addr().String()
	}
	return c.cfg.Addr
}

// Serve accepts connections until ctx is cancelled or Close is called. Each
// connection gets its own session goroutine.
func (c *Coordinator) Serve(ctx context.Context) error {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		if err := c.Listen(); err != nil {
			return err
		}
		c.mu.Lock()
		l = c.listener
		c.mu.Unlock()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.logger.Warn("Failed to accept connection: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(ctx, conn)
		}()
	}
}

func (c *Coordinator) handleConn(ctx context.Context, conn net.Conn) {
	ws := newWorkerConn(c, conn)

	c.mu.Lock()
	c.sessions[ws.sess.ID()] = ws.sess
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.sessions, ws.sess.ID())
		c.mu.Unlock()
	}()

	ws.run(ctx)
}

// Scheduler returns the shared scheduler.
func (c *Coordinator) Scheduler() *scheduler.Scheduler {
	return c.scheduler
}

// Stats returns the scheduler's counters.
func (c *Coordinator) Stats() types.Stats {
	return c.scheduler.Stats()
}

// Done is closed once the reduce task has been reported complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) markDone() {
	c.doneOnce.Do(func() {
		c.logger.Info("Job complete")
		close(c.done)
	})
}

// NumSessions returns the number of open worker connections.
func (c *Coordinator) NumSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close stops accepting, closes every open session and waits for their
// goroutines to exit.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	var err error
	if c.listener != nil {
		err = c.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	for _, s := range c.sessions {
		s.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return err
}
