package watcher

import (
	"fmt"
	"time"
)

// State is the position of the watcher inside its polling loop.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSearching
	StateProcessing
	StateClosing
	StateErrorBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSearching:
		return "searching"
	case StateProcessing:
		return "processing"
	case StateClosing:
		return "closing"
	case StateErrorBackoff:
		return "error_backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of the watcher for diagnostics.
type Status struct {
	State       State      `json:"state"`
	Cycles      int        `json:"cycles"`
	LastOutcome string     `json:"lastOutcome,omitempty"`
	LastCount   int        `json:"lastCount"`
	LastError   string     `json:"lastError,omitempty"`
	LastCycleAt *time.Time `json:"lastCycleAt,omitempty"`
	NextCycleAt *time.Time `json:"nextCycleAt,omitempty"`
	Mailbox     string     `json:"mailbox"`
	Interval    string     `json:"interval"`
}
