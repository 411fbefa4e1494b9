package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Metadata is the free-form bag carried by every job: correlation id,
// tags and arbitrary key/values. It is stored as a JSON document.
type Metadata map[string]any

const (
	MetaCorrelationID = "correlation_id"
	MetaTags          = "tags"
)

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported type %T", src)
	}
	if len(data) == 0 {
		*m = Metadata{}
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

func (m Metadata) CorrelationID() string {
	s, _ := m[MetaCorrelationID].(string)
	return s
}

// Job is the persisted unit of work. Only drivers mutate it once it has
// been pushed.
type Job struct {
	ID          string          `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Queue       string          `db:"queue" json:"queue"`
	Priority    Priority        `db:"priority" json:"priority"`
	Attempts    int             `db:"attempts" json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	AvailableAt time.Time       `db:"available_at" json:"available_at"`
	ReservedAt  *time.Time      `db:"reserved_at" json:"reserved_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	FailedAt    *time.Time      `db:"failed_at" json:"failed_at,omitempty"`
	Error       *string         `db:"error" json:"error,omitempty"`
	Metadata    Metadata        `db:"metadata" json:"metadata"`
}

// NewJob ids are UUIDv7: they sort in creation order within a process,
// which breaks created_at ties in stores that keep milliseconds only.
func NewJob(name string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Name:        name,
		Queue:       DefaultQueue,
		Priority:    PriorityDefault,
		Attempts:    0,
		MaxAttempts: 1,
		CreatedAt:   now,
		AvailableAt: now,
		Payload:     json.RawMessage("{}"),
		Metadata:    Metadata{},
	}
}

func (j *Job) SetQueue(name string) *Job {
	j.Queue = name
	return j
}

func (j *Job) SetPayload(pl json.RawMessage) *Job {
	j.Payload = pl
	return j
}

func (j *Job) SetAvailableAt(at time.Time) *Job {
	j.AvailableAt = at.UTC()
	return j
}

func (j *Job) SetPriority(priority Priority) *Job {
	j.Priority = priority
	return j
}

func (j *Job) SetMaxAttempts(n int) *Job {
	j.MaxAttempts = n
	return j
}

func (j *Job) Status() Status {
	switch {
	case j.CompletedAt != nil:
		return StatusCompleted
	case j.FailedAt != nil:
		return StatusFailed
	case j.ReservedAt != nil:
		return StatusReserved
	}
	return StatusPending
}

func (j *Job) IsTerminal() bool {
	return j.CompletedAt != nil || j.FailedAt != nil
}

// IsAvailable reports whether the job can be reserved at now.
func (j *Job) IsAvailable(now time.Time) bool {
	return !j.IsTerminal() && j.ReservedAt == nil && !j.AvailableAt.After(now)
}

func (j *Job) LastError() string {
	if j.Error == nil {
		return ""
	}
	return *j.Error
}

// Before reports whether j is served ahead of other: priority desc, then
// creation time asc, then id asc.
func (j *Job) Before(other *Job) bool {
	if j.Priority != other.Priority {
		return j.Priority > other.Priority
	}
	if !j.CreatedAt.Equal(other.CreatedAt) {
		return j.CreatedAt.Before(other.CreatedAt)
	}
	return j.ID < other.ID
}

// Score is the ascending sort key equivalent to Before at millisecond
// resolution, used by stores that keep ready jobs in a sorted set. Equal
// scores fall back to member order, which is id order.
func (j *Job) Score() float64 {
	return float64(-int64(j.Priority))*1e13 + float64(j.CreatedAt.UnixMilli())
}

// AvailableMillis is AvailableAt in unix milliseconds, rounded up so a
// store with millisecond resolution never serves the job early.
func (j *Job) AvailableMillis() int64 {
	return CeilMillis(j.AvailableAt)
}

// CeilMillis rounds t up to the next whole unix millisecond.
func CeilMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.After(time.UnixMilli(ms)) {
		ms++
	}
	return ms
}

func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Metadata = maps.Clone(j.Metadata)
	if c.Metadata == nil {
		c.Metadata = Metadata{}
	}
	c.ReservedAt = cloneTime(j.ReservedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Payload, v)
}

// Encode marshals v as the job payload.
func (j *Job) Encode(v any) error {
	if v == nil {
		j.Payload = json.RawMessage("{}")
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		j.Payload = raw
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	j.Payload = data
	return nil
}
