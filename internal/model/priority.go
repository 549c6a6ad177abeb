package model

import "fmt"

// Priority is the five-level dispatch priority. Higher values dispatch first.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// PriorityWeights maps each priority to its weighted-fair-queuing weight.
// A heavier weight shrinks the virtual service time, so heavier entries
// accumulate virtual time more slowly and dispatch sooner.
var PriorityWeights = map[Priority]float64{
	PriorityCritical:   100,
	PriorityHigh:       50,
	PriorityNormal:     25,
	PriorityLow:        10,
	PriorityBackground: 5,
}

var priorityNames = map[Priority]string{
	PriorityBackground: "background",
	PriorityLow:        "low",
	PriorityNormal:     "normal",
	PriorityHigh:       "high",
	PriorityCritical:   "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) Valid() bool {
	return p >= PriorityBackground && p <= PriorityCritical
}

// Weight returns the WFQ weight for p. Unknown priorities fall back to the
// background weight so a corrupted value never divides by zero.
func (p Priority) Weight() float64 {
	if w, ok := PriorityWeights[p]; ok {
		return w
	}
	return PriorityWeights[PriorityBackground]
}

// Promote raises the priority by exactly one level, never past critical.
func (p Priority) Promote() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalText / UnmarshalText let priorities round-trip through JSON and
// YAML as their names rather than raw integers.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
