package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"DistMR/internal/discovery"
	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/protocol"
	"DistMR/internal/session"
	"DistMR/internal/storage"
	"DistMR/internal/types"
)

// Config for a worker process.
type Config struct {
	CoordinatorAddr string        // used when JoinAddrs is empty
	JoinAddrs       []string      // gossip seeds to discover the coordinator through
	GossipBindAddr  string        // local address for the short-lived gossip node
	TempDir         string        // where map results are written
	OutputPath      string        // where the reduce result is written
	DialTimeout     time.Duration // for the coordinator connection and discovery
}

// DefaultConfig mirrors the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		CoordinatorAddr: "127.0.0.1:8888",
		GossipBindAddr:  "127.0.0.1",
		TempDir:         os.TempDir(),
		OutputPath:      "result.json",
		DialTimeout:     10 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.CoordinatorAddr == "" && len(c.JoinAddrs) == 0 {
		return fmt.Errorf("either a coordinator address or gossip seeds are required")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output path cannot be empty")
	}
	return nil
}

// Runtime connects to the coordinator once and executes whatever it is
// told until it is told to disconnect or the connection drops.
type Runtime struct {
	cfg    Config
	mapper mapreduce.Mapper
	store  *storage.FileStore
	logger *logger.Logger

	mapsDone    atomic.Int64
	reducesDone atomic.Int64
}

// New creates a worker that maps with mapper.
func New(cfg Config, mapper mapreduce.Mapper, lg *logger.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if mapper == nil {
		return nil, fmt.Errorf("mapper cannot be nil")
	}
	if lg == nil {
		lg = logger.New("INFO")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	store, err := storage.NewFileStore(cfg.TempDir)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:    cfg,
		mapper: mapper,
		store:  store,
		logger: lg.Named("worker"),
	}, nil
}

// MapsDone returns how many map tasks this worker has reported.
func (r *Runtime) MapsDone() int64 {
	return r.mapsDone.Load()
}

// ReducesDone returns how many reduce tasks this worker has reported.
func (r *Runtime) ReducesDone() int64 {
	return r.reducesDone.Load()
}

// Run resolves the coordinator, connects and serves the connection.
func (r *Runtime) Run(ctx context.Context) error {
	addr, err := r.coordinatorAddr(ctx)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		r.logger.Error("Failed to connect to coordinator: addr=%s err=%v", addr, err)
		return fmt.Errorf("failed to connect to coordinator %s: %w", addr, err)
	}
	r.logger.Info("Connected to coordinator: addr=%s", addr)

	return r.RunConn(ctx, conn)
}

func (r *Runtime) coordinatorAddr(ctx context.Context) (string, error) {
	if len(r.cfg.JoinAddrs) == 0 {
		return r.cfg.CoordinatorAddr, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	addr, err := discovery.Resolve(ctx, discovery.Config{
		BindAddr:  r.cfg.GossipBindAddr,
		JoinAddrs: r.cfg.JoinAddrs,
	}, r.logger)
	if err != nil {
		return "", fmt.Errorf("failed to discover coordinator: %w", err)
	}
	return addr, nil
}

// RunConn serves an already established connection. A disconnect command or
// the coordinator closing the connection both end it with a nil error.
func (r *Runtime) RunConn(ctx context.Context, conn net.Conn) error {
	sess := session.New(conn, session.Handlers{
		types.CommandMap:        r.handleMap,
		types.CommandReduce:     r.handleReduce,
		types.CommandDisconnect: r.handleDisconnect,
		types.CommandMapDone:    session.Unexpected,
		types.CommandReduceDone: session.Unexpected,
	}, r.logger)

	err := sess.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("Session ended: %v", err)
		return err
	}
	r.logger.Info("The server closed the connection: maps=%d reduces=%d", r.MapsDone(), r.ReducesDone())
	return nil
}

func (r *Runtime) handleMap(s *session.Session, frame protocol.Frame) error {
	var unit types.FileWithID
	if err := frame.Unmarshal(&unit); err != nil {
		s.Logger().Warn("Ignoring malformed map task: %v", err)
		return nil
	}

	r.logger.Info("Mapping: id=%d location=%s", unit.ID, unit.Location)
	kvs, err := r.mapper.Map(unit.Location)
	if err != nil {
		// Dropping the connection abandons the unit; nothing retries it.
		r.logger.Error("Map failed: id=%d err=%v", unit.ID, err)
		return fmt.Errorf("map %d failed: %w", unit.ID, err)
	}

	location, err := r.store.SaveMapResult(mapreduce.Combine(kvs))
	if err != nil {
		r.logger.Error("Failed to save map result: id=%d err=%v", unit.ID, err)
		return err
	}
	r.logger.Debug("Saved map result: id=%d location=%s", unit.ID, location)

	if err := s.Send(types.CommandMapDone, types.FileWithID{ID: unit.ID, Location: location}); err != nil {
		return err
	}
	r.mapsDone.Add(1)
	return nil
}

func (r *Runtime) handleReduce(s *session.Session, frame protocol.Frame) error {
	var mapping types.ReduceMapping
	if err := frame.Unmarshal(&mapping); err != nil {
		s.Logger().Warn("Ignoring malformed reduce task: %v", err)
		return nil
	}

	r.logger.Info("Reducing: inputs=%d", len(mapping))
	results := make([]types.Occurrences, 0, len(mapping))
	for id, location := range mapping {
		o, err := r.store.Load(location)
		if err != nil {
			r.logger.Error("Reduce failed: id=%d err=%v", id, err)
			return fmt.Errorf("reduce failed: %w", err)
		}
		results = append(results, o)
	}

	if err := storage.WriteJSON(r.cfg.OutputPath, mapreduce.Reduce(results)); err != nil {
		r.logger.Error("Failed to write final result: %v", err)
		return err
	}
	r.logger.Info("Final result written: %s", r.cfg.OutputPath)

	if err := s.Send(types.CommandReduceDone, types.FileWithID{ID: 0, Location: r.cfg.OutputPath}); err != nil {
		return err
	}
	r.reducesDone.Add(1)
	return nil
}

func (r *Runtime) handleDisconnect(s *session.Session, frame protocol.Frame) error {
	r.logger.Debug("Disconnect received")
	return session.ErrStop
}
