package types

// Phase is the scheduler's global progress marker. It only moves forward.
type Phase int

const (
	PhaseMapping Phase = iota
	PhaseReducing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseMapping:
		return "MAPPING"
	case PhaseReducing:
		return "REDUCING"
	case PhaseDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Phase        Phase `json:"phase"`
	Total        int   `json:"total"`
	Pending      int   `json:"pending"`
	InFlight     int   `json:"in_flight"`
	Completed    int   `json:"completed"`
	ReduceIssued bool  `json:"reduce_issued"`
	ReduceDone   bool  `json:"reduce_done"`
}
