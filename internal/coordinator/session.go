package coordinator

import (
	"context"
	"errors"
	"net"

	"DistMR/internal/protocol"
	"DistMR/internal/scheduler"
	"DistMR/internal/session"
	"DistMR/internal/types"
)

// workerConn is the coordinator side of one worker connection. It remembers
// what the worker is holding so an abandoned assignment can be reported.
type workerConn struct {
	c    *Coordinator
	sess *session.Session

	holdingMap    *types.FileWithID
	holdingReduce bool
}

func newWorkerConn(c *Coordinator, conn net.Conn) *workerConn {
	w := &workerConn{c: c}
	w.sess = session.New(conn, session.Handlers{
		types.CommandMapDone:    w.handleMapDone,
		types.CommandReduceDone: w.handleReduceDone,
		types.CommandMap:        session.Unexpected,
		types.CommandReduce:     session.Unexpected,
	}, c.logger)
	return w
}

func (w *workerConn) run(ctx context.Context) {
	lg := w.sess.Logger()
	lg.Info("New worker connection from %s", w.sess.RemoteAddr())

	if err := w.sendNextTask(); err != nil {
		lg.Warn("Failed to send first task: %v", err)
		w.sess.Close()
		w.reportAbandoned()
		return
	}

	err := w.sess.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		lg.Info("Worker disconnected: remote=%s", w.sess.RemoteAddr())
	case errors.Is(err, protocol.ErrMalformedFrame):
		lg.Error("Dropped worker after protocol error: %v", err)
	default:
		lg.Warn("Worker connection lost: %v", err)
	}
	w.reportAbandoned()
}

// reportAbandoned logs an assignment that will never be reported. The
// scheduler does not re-queue it.
func (w *workerConn) reportAbandoned() {
	switch {
	case w.holdingMap != nil:
		w.sess.Logger().Warn("Map assignment abandoned: id=%d location=%s (not re-queued)",
			w.holdingMap.ID, w.holdingMap.Location)
	case w.holdingReduce:
		w.sess.Logger().Warn("Reduce assignment abandoned (not re-issued)")
	}
}

func (w *workerConn) sendNextTask() error {
	task := w.c.scheduler.NextTask()

	w.holdingMap = nil
	w.holdingReduce = false
	switch task.Command {
	case types.CommandMap:
		unit := task.Payload.(types.FileWithID)
		w.holdingMap = &unit
	case types.CommandReduce:
		w.holdingReduce = true
	}

	return w.sess.Send(task.Command, task.Payload)
}

func (w *workerConn) handleMapDone(s *session.Session, frame protocol.Frame) error {
	var result types.FileWithID
	if err := frame.Unmarshal(&result); err != nil {
		s.Logger().Warn("Ignoring malformed mapdone: %v", err)
		return nil
	}

	w.c.scheduler.MapDone(result.ID, result.Location)
	if w.holdingMap != nil && w.holdingMap.ID == result.ID {
		w.holdingMap = nil
	}
	return w.sendNextTask()
}

func (w *workerConn) handleReduceDone(s *session.Session, frame protocol.Frame) error {
	var result types.FileWithID
	if frame.HasPayload() {
		if err := frame.Unmarshal(&result); err != nil {
			s.Logger().Warn("Malformed reducedone payload: %v", err)
		}
	}

	if err := w.c.scheduler.ReduceDone(); err != nil {
		if errors.Is(err, scheduler.ErrReduceNotIssued) {
			s.Logger().Error("Rejected reducedone: %v", err)
		} else {
			return err
		}
	} else {
		w.holdingReduce = false
		s.Logger().Info("Reduce completed: result=%s", result.Location)
	}

	if w.c.scheduler.Done() {
		w.c.markDone()
	}
	return w.sendNextTask()
}
