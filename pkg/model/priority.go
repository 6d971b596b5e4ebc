package model

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Priority is the admission priority class of a workflow. It is immutable
// after submission. The value indicates ordering: a higher value is scheduled
// first.
type Priority int

const (
	// PriorityLow workloads run on leftover capacity and may borrow idle quota
	// from sibling pools; they are preemptible.
	PriorityLow Priority = 1
	// PriorityNormal is the default priority class.
	PriorityNormal Priority = 5
	// PriorityHigh workloads are admitted ahead of everything else in the pool.
	PriorityHigh Priority = 9
)

// Priorities lists all priority classes in ascending order.
var Priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "UNSPECIFIED"
	}
}

// Preemptible reports whether workloads of this class may be preempted to
// reclaim borrowed capacity. Only LOW workloads borrow, so only LOW workloads
// are ever preempted.
func (p Priority) Preemptible() bool {
	return p == PriorityLow
}

// ParsePriority parses a priority class name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(s) {
	case "LOW":
		return PriorityLow, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	default:
		return 0, errors.Errorf("invalid priority %q (expected HIGH, NORMAL or LOW)", s)
	}
}

// MarshalJSON implements the json.Marshaler interface.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
