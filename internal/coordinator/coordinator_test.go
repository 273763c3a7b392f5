package coordinator

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/protocol"
	"DistMR/internal/types"
)

func quietLogger() *logger.Logger {
	return logger.NewWithWriter("ERROR", io.Discard)
}

func startCoordinator(t *testing.T, units []types.InputUnit) *Coordinator {
	t.Helper()

	c, err := New(Config{Addr: "127.0.0.1:0"}, units, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	if err := c.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- c.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		c.Close()
		if err := <-served; err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	})
	return c
}

// rawWorker speaks the wire protocol directly.
type rawWorker struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

func dialWorker(t *testing.T, c *Coordinator) *rawWorker {
	t.Helper()
	conn, err := net.Dial("tcp", c.Addr())
	if err != nil {
		t.Fatalf("Failed to dial coordinator: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawWorker{t: t, conn: conn}
}

func (w *rawWorker) send(cmd types.Command, payload interface{}) {
	w.t.Helper()
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		w.t.Fatalf("Failed to encode: %v", err)
	}
	if _, err := w.conn.Write(data); err != nil {
		w.t.Fatalf("Failed to write: %v", err)
	}
}

func (w *rawWorker) recv() protocol.Frame {
	w.t.Helper()
	frame, err := w.tryRecv()
	if err != nil {
		w.t.Fatalf("Failed to receive frame: %v", err)
	}
	return frame
}

func (w *rawWorker) tryRecv() (protocol.Frame, error) {
	w.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	chunk := make([]byte, 1024)
	for {
		frame, n, err := protocol.DecodeFrame(w.buf)
		if err == nil {
			w.buf = w.buf[n:]
			return frame, nil
		}
		if !errors.Is(err, protocol.ErrIncompleteFrame) {
			return protocol.Frame{}, err
		}
		m, err := w.conn.Read(chunk)
		if err != nil {
			return protocol.Frame{}, err
		}
		w.buf = append(w.buf, chunk[:m]...)
	}
}

func (w *rawWorker) recvMap() types.FileWithID {
	w.t.Helper()
	frame := w.recv()
	if frame.Command != types.CommandMap {
		w.t.Fatalf("expected map, got %s", frame.Command)
	}
	var unit types.FileWithID
	if err := frame.Unmarshal(&unit); err != nil {
		w.t.Fatalf("Failed to decode map payload: %v", err)
	}
	return unit
}

func (w *rawWorker) recvDisconnect() {
	w.t.Helper()
	frame := w.recv()
	if frame.Command != types.CommandDisconnect || frame.HasPayload() {
		w.t.Fatalf("expected disconnect, got %s", frame.Command)
	}
}

func scenarioUnits() []types.InputUnit {
	return []types.InputUnit{
		{ID: 0, Location: "a.txt"},
		{ID: 1, Location: "b.txt"},
		{ID: 2, Location: "c.txt"},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"127.0.0.1:8888", false},
		{":0", false},
		{"", true},
		{"localhost", true},
	}
	for _, tc := range tests {
		err := Config{Addr: tc.addr}.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("Validate(%q) error = %v, wantErr %v", tc.addr, err, tc.wantErr)
		}
	}
	if DefaultConfig().Validate() != nil {
		t.Fatalf("default config should be valid")
	}
}

func TestTwoWorkersFullRun(t *testing.T) {
	c := startCoordinator(t, scenarioUnits())

	w1 := dialWorker(t, c)
	first := w1.recvMap()
	w2 := dialWorker(t, c)
	second := w2.recvMap()
	if first.ID != 0 || second.ID != 1 {
		t.Fatalf("expected units 0 then 1, got %d and %d", first.ID, second.ID)
	}

	w1.send(types.CommandMapDone, types.FileWithID{ID: 0, Location: "/tmp/r0.json"})
	third := w1.recvMap()
	if third.ID != 2 || third.Location != "c.txt" {
		t.Fatalf("expected unit 2, got %+v", third)
	}

	// Nothing pending while unit 2 is in flight: worker 2 is released.
	w2.send(types.CommandMapDone, types.FileWithID{ID: 1, Location: "/tmp/r1.json"})
	w2.recvDisconnect()

	w1.send(types.CommandMapDone, types.FileWithID{ID: 2, Location: "/tmp/r2.json"})
	frame := w1.recv()
	if frame.Command != types.CommandReduce {
		t.Fatalf("expected reduce, got %s", frame.Command)
	}
	var mapping types.ReduceMapping
	if err := frame.Unmarshal(&mapping); err != nil {
		t.Fatalf("Failed to decode mapping: %v", err)
	}
	want := types.ReduceMapping{0: "/tmp/r0.json", 1: "/tmp/r1.json", 2: "/tmp/r2.json"}
	if !reflect.DeepEqual(mapping, want) {
		t.Fatalf("mapping mismatch: got %v", mapping)
	}

	// A late worker during REDUCING gets nothing.
	w3 := dialWorker(t, c)
	w3.recvDisconnect()

	select {
	case <-c.Done():
		t.Fatalf("done before reduce was reported")
	default:
	}

	w1.send(types.CommandReduceDone, []interface{}{"0", "result.json"})
	w1.recvDisconnect()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("coordinator did not signal done")
	}

	w4 := dialWorker(t, c)
	w4.recvDisconnect()

	if stats := c.Stats(); stats.Phase != types.PhaseDone || stats.Completed != 3 || !stats.ReduceDone {
		t.Fatalf("unexpected final stats: %+v", stats)
	}
}

func TestUnexpectedAndUnknownCommandsKeepConnection(t *testing.T) {
	c := startCoordinator(t, scenarioUnits())

	w := dialWorker(t, c)
	unit := w.recvMap()

	w.send(types.CommandMap, types.FileWithID{ID: 9, Location: "x"})
	w.send(types.CommandReduce, types.ReduceMapping{})
	w.send(types.Command("shuffle"), nil)
	w.send(types.CommandMapDone, types.FileWithID{ID: unit.ID, Location: "r.json"})

	next := w.recvMap()
	if next.ID != 1 {
		t.Fatalf("expected unit 1 after ignored commands, got %d", next.ID)
	}
}

func TestDuplicateMapDoneIsIgnored(t *testing.T) {
	c := startCoordinator(t, scenarioUnits()[:2])

	w := dialWorker(t, c)
	unit := w.recvMap()
	w.send(types.CommandMapDone, types.FileWithID{ID: unit.ID, Location: "r0.json"})
	w.recvMap()

	w.send(types.CommandMapDone, types.FileWithID{ID: unit.ID, Location: "again.json"})
	w.recvDisconnect()

	if got := c.Stats().Completed; got != 1 {
		t.Fatalf("expected completed=1 after duplicate, got %d", got)
	}
}

func TestReduceDoneBeforeReduceIsRejected(t *testing.T) {
	c := startCoordinator(t, scenarioUnits())

	w := dialWorker(t, c)
	w.recvMap()

	w.send(types.CommandReduceDone, types.FileWithID{ID: 0, Location: "result.json"})
	// The coordinator still answers with the next task.
	if next := w.recvMap(); next.ID != 1 {
		t.Fatalf("expected unit 1, got %d", next.ID)
	}
	if c.Stats().Phase != types.PhaseMapping {
		t.Fatalf("phase changed: %s", c.Stats().Phase)
	}
}

func TestMalformedFrameDropsOnlyThatConnection(t *testing.T) {
	c := startCoordinator(t, scenarioUnits())

	bad := dialWorker(t, c)
	bad.recvMap()
	bad.conn.Write([]byte{0xff, 0xff, 0xff, 0xff, 0})

	if _, err := bad.tryRecv(); err == nil {
		t.Fatalf("expected the malformed connection to be closed")
	}

	good := dialWorker(t, c)
	if unit := good.recvMap(); unit.ID != 1 {
		t.Fatalf("expected unit 1 for healthy worker, got %d", unit.ID)
	}
}

func TestLostWorkerStallsRun(t *testing.T) {
	c := startCoordinator(t, scenarioUnits()[:2])

	lost := dialWorker(t, c)
	lost.recvMap()
	lost.conn.Close()

	w := dialWorker(t, c)
	unit := w.recvMap()
	w.send(types.CommandMapDone, types.FileWithID{ID: unit.ID, Location: "r1.json"})
	w.recvDisconnect()

	again := dialWorker(t, c)
	again.recvDisconnect()

	stats := c.Stats()
	if stats.Phase != types.PhaseMapping || stats.Completed != 1 || stats.InFlight != 1 {
		t.Fatalf("expected a stalled MAPPING phase, got %+v", stats)
	}
	select {
	case <-c.Done():
		t.Fatalf("run must not complete with a lost unit")
	default:
	}
}

func TestCloseStopsSessions(t *testing.T) {
	c, err := New(Config{Addr: "127.0.0.1:0"}, scenarioUnits(), quietLogger())
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	if err := c.Listen(); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- c.Serve(context.Background()) }()

	w := dialWorker(t, c)
	w.recvMap()

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
	if _, err := w.tryRecv(); err == nil {
		t.Fatalf("expected session to be closed")
	}
	if n := c.NumSessions(); n != 0 {
		t.Fatalf("expected no open sessions, got %d", n)
	}
}
