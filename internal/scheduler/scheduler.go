// Package scheduler holds the single authoritative task state machine.
//
// Phases only move forward: MAPPING -> REDUCING -> DONE. Units are handed
// out in the order they were supplied, each at most once. An in-flight unit
// whose worker disappears is never re-queued, so a lost worker can leave the
// run in MAPPING forever.
package scheduler

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

// ErrReduceNotIssued is returned by ReduceDone when no reduce task has been
// handed out yet.
var ErrReduceNotIssued = errors.New("reduce task has not been issued")

// Task is the scheduler's answer to a worker asking for work. Payload is a
// types.FileWithID for map, a types.ReduceMapping for reduce and nil for
// disconnect.
type Task struct {
	Command types.Command
	Payload interface{}
}

// Disconnect is the task handed out when there is nothing to do.
var Disconnect = Task{Command: types.CommandDisconnect}

// Scheduler is safe for concurrent use; every method runs under one mutex so
// all state changes are linearized.
type Scheduler struct {
	mu sync.Mutex

	phase        types.Phase
	total        int
	pending      *list.List // of types.InputUnit, FIFO
	inFlight     map[int]types.InputUnit
	completed    map[int]string // id -> result location
	reduceIssued bool

	logger *logger.Logger
}

// New builds a scheduler over units. Ids must be unique.
func New(units []types.InputUnit, lg *logger.Logger) (*Scheduler, error) {
	if lg == nil {
		lg = logger.New("INFO")
	}

	s := &Scheduler{
		phase:     types.PhaseMapping,
		total:     len(units),
		pending:   list.New(),
		inFlight:  make(map[int]types.InputUnit),
		completed: make(map[int]string),
		logger:    lg.Named("scheduler"),
	}

	seen := make(map[int]bool, len(units))
	for _, u := range units {
		if seen[u.ID] {
			return nil, fmt.Errorf("duplicate input unit id %d", u.ID)
		}
		seen[u.ID] = true
		s.pending.PushBack(u)
	}

	if s.total == 0 {
		s.phase = types.PhaseReducing
		s.logger.Info("No input units, starting in %s", s.phase)
	}

	s.logger.Info("Scheduler initialized: units=%d", s.total)
	return s, nil
}

// NextTask decides what the requesting worker should do next.
func (s *Scheduler) NextTask() Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case types.PhaseMapping:
		front := s.pending.Front()
		if front == nil {
			s.logger.Debug("No pending units, releasing worker: in_flight=%d completed=%d/%d",
				len(s.inFlight), len(s.completed), s.total)
			return Disconnect
		}
		unit := s.pending.Remove(front).(types.InputUnit)
		s.inFlight[unit.ID] = unit
		s.logger.Info("Map assigned: id=%d location=%s", unit.ID, unit.Location)
		return Task{
			Command: types.CommandMap,
			Payload: types.FileWithID{ID: unit.ID, Location: unit.Location},
		}

	case types.PhaseReducing:
		if s.reduceIssued {
			return Disconnect
		}
		s.reduceIssued = true
		mapping := make(types.ReduceMapping, len(s.completed))
		for id, loc := range s.completed {
			mapping[id] = loc
		}
		s.logger.Info("Reduce assigned: inputs=%d", len(mapping))
		return Task{Command: types.CommandReduce, Payload: mapping}

	default:
		return Disconnect
	}
}

// MapDone records the result of an in-flight map unit. It reports whether
// the report changed any state; unknown ids, duplicates and reports outside
// MAPPING are ignored.
func (s *Scheduler) MapDone(id int, resultLocation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != types.PhaseMapping {
		s.logger.Debug("Ignoring map report outside %s: id=%d phase=%s", types.PhaseMapping, id, s.phase)
		return false
	}

	if _, ok := s.inFlight[id]; !ok {
		if _, done := s.completed[id]; done {
			s.logger.Debug("Duplicate map report: id=%d", id)
		} else {
			s.logger.Warn("Map report for unknown unit: id=%d", id)
		}
		return false
	}

	delete(s.inFlight, id)
	s.completed[id] = resultLocation
	s.logger.Info("Map completed: id=%d result=%s progress=%d/%d", id, resultLocation, len(s.completed), s.total)

	if len(s.completed) == s.total {
		s.phase = types.PhaseReducing
		s.logger.Info("Phase transition: %s -> %s", types.PhaseMapping, types.PhaseReducing)
	}
	return true
}

// ReduceDone marks the single reduce task finished. Calling it again once
// DONE is a no-op; calling it before the reduce task was issued is an error
// and leaves the state untouched.
func (s *Scheduler) ReduceDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.phase == types.PhaseDone:
		s.logger.Debug("Duplicate reduce report")
		return nil
	case s.phase != types.PhaseReducing || !s.reduceIssued:
		s.logger.Error("Reduce report before reduce was issued: phase=%s", s.phase)
		return fmt.Errorf("%w: phase=%s", ErrReduceNotIssued, s.phase)
	}

	s.phase = types.PhaseDone
	s.logger.Info("Phase transition: %s -> %s", types.PhaseReducing, types.PhaseDone)
	return nil
}

// Phase returns the current phase.
func (s *Scheduler) Phase() types.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done reports whether the reduce task has completed.
func (s *Scheduler) Done() bool {
	return s.Phase() == types.PhaseDone
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() types.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return types.Stats{
		Phase:        s.phase,
		Total:        s.total,
		Pending:      s.pending.Len(),
		InFlight:     len(s.inFlight),
		Completed:    len(s.completed),
		ReduceIssued: s.reduceIssued,
		ReduceDone:   s.phase == types.PhaseDone,
	}
}
