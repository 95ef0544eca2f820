package model

import "fmt"

type OutcomeKind int

const (
	OutcomeIdle OutcomeKind = iota
	OutcomeProcessed
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeIdle:
		return "idle"
	case OutcomeProcessed:
		return "processed"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of one polling cycle. Count is the number of records
// persisted, Skipped the number of matched messages left unacknowledged.
type Outcome struct {
	Kind    OutcomeKind
	Count   int
	Skipped int
	Reason  error
}

func Idle() Outcome { return Outcome{Kind: OutcomeIdle} }

func Processed(count, skipped int) Outcome {
	return Outcome{Kind: OutcomeProcessed, Count: count, Skipped: skipped}
}

func Failed(reason error) Outcome { return Outcome{Kind: OutcomeFailed, Reason: reason} }

func (o Outcome) LogAttrs() []any {
	attrs := []any{"outcome", o.Kind.String()}
	if o.Kind == OutcomeProcessed {
		attrs = append(attrs, "count", o.Count, "skipped", o.Skipped)
	}
	if o.Reason != nil {
		attrs = append(attrs, "err", o.Reason)
	}
	return attrs
}
