package types

import (
	"encoding/json"
	"testing"
)

func TestFileWithIDWireShape(t *testing.T) {
	data, err := json.Marshal(FileWithID{ID: 2, Location: "c.txt"})
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if string(data) != `[2,"c.txt"]` {
		t.Fatalf("expected tuple encoding, got %s", data)
	}
}

func TestFileWithIDAcceptsStringID(t *testing.T) {
	tests := []struct {
		in      string
		want    FileWithID
		wantErr bool
	}{
		{`[0,"result.json"]`, FileWithID{0, "result.json"}, false},
		{`["0","result.json"]`, FileWithID{0, "result.json"}, false},
		{`["x","result.json"]`, FileWithID{}, true},
		{`[1]`, FileWithID{}, true},
		{`{"id":1}`, FileWithID{}, true},
	}

	for _, tc := range tests {
		var got FileWithID
		err := json.Unmarshal([]byte(tc.in), &got)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestCommandKnown(t *testing.T) {
	for _, c := range []Command{CommandMap, CommandMapDone, CommandReduce, CommandReduceDone, CommandDisconnect} {
		if !c.Known() {
			t.Fatalf("%s should be known", c)
		}
	}
	if Command("shuffle").Known() {
		t.Fatalf("shuffle should not be known")
	}
}
