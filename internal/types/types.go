package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Command is the wire-level instruction tag carried by every frame.
type Command string

const (
	CommandMap        Command = "map"
	CommandMapDone    Command = "mapdone"
	CommandReduce     Command = "reduce"
	CommandReduceDone Command = "reducedone"
	CommandDisconnect Command = "disconnect"
)

// Known reports whether c is one of the commands of the protocol.
func (c Command) Known() bool {
	switch c {
	case CommandMap, CommandMapDone, CommandReduce, CommandReduceDone, CommandDisconnect:
		return true
	}
	return false
}

// KeyValue is the intermediate pair produced by mappers.
type KeyValue struct {
	Key   string
	Value int
}

// Occurrences maps a key to its count. Map results and the final result are
// both persisted in this shape.
type Occurrences map[string]int

// InputUnit is one unit of map work.
type InputUnit struct {
	ID       int
	Location string
}

// FileWithID is the (id, location) tuple sent with map, mapdone and
// reducedone. It is encoded as a two element JSON array.
type FileWithID struct {
	ID       int
	Location string
}

func (f FileWithID) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{f.ID, f.Location})
}

func (f *FileWithID) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("failed to decode (id, location) tuple: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("expected (id, location) tuple, got %d elements", len(parts))
	}

	id, err := parseID(parts[0])
	if err != nil {
		return err
	}

	var location string
	if err := json.Unmarshal(parts[1], &location); err != nil {
		return fmt.Errorf("failed to decode location: %w", err)
	}

	f.ID = id
	f.Location = location
	return nil
}

// parseID accepts both 3 and "3"; workers have historically sent the
// reduce id as a string.
func parseID(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid id %s", string(raw))
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return n, nil
}

// ReduceMapping is the payload of the single reduce task: map id to the
// location of that unit's map result.
type ReduceMapping map[int]string
