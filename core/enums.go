package core

const DefaultQueue = "default"

type Status int

const (
	StatusPending Status = iota
	StatusReserved
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReserved:
		return "reserved"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Priority orders jobs inside a queue. Higher values are served first.
type Priority int

const (
	PriorityLow      Priority = -50
	PriorityDefault  Priority = 0
	PriorityHigh     Priority = 50
	PriorityCritical Priority = 100
)

// Ptr returns a pointer to p for optional priority fields.
func (p Priority) Ptr() *Priority {
	return &p
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityDefault:
		return "default"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "custom"
}

// ParsePriority maps a level name to its value.
func ParsePriority(name string) (Priority, bool) {
	switch name {
	case "low":
		return PriorityLow, true
	case "default", "normal", "":
		return PriorityDefault, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	}
	return PriorityDefault, false
}
