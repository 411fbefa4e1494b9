package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus(t *testing.T) {
	j := NewJob("mail")
	assert.Equal(t, StatusPending, j.Status())
	assert.True(t, j.IsAvailable(time.Now()))

	now := time.Now()
	j.ReservedAt = &now
	assert.Equal(t, StatusReserved, j.Status())
	assert.False(t, j.IsAvailable(time.Now()))

	j.ReservedAt = nil
	j.CompletedAt = &now
	assert.Equal(t, StatusCompleted, j.Status())
	assert.True(t, j.IsTerminal())
	assert.False(t, j.IsAvailable(time.Now()))
}

func TestJobDelayedIsNotAvailable(t *testing.T) {
	j := NewJob("mail").SetAvailableAt(time.Now().Add(time.Minute))
	assert.False(t, j.IsAvailable(time.Now()))
	assert.True(t, j.IsAvailable(time.Now().Add(2*time.Minute)))
}

func TestJobOrdering(t *testing.T) {
	low := NewJob("a").SetPriority(PriorityLow)
	high := NewJob("b").SetPriority(PriorityHigh)
	assert.True(t, high.Before(low))
	assert.Less(t, high.Score(), low.Score())

	first := NewJob("c")
	second := NewJob("d")
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)
	assert.True(t, first.Before(second))
	assert.Less(t, first.Score(), second.Score())

	// same instant: creation order follows the time-ordered ids
	same := make([]*Job, 100)
	for i := range same {
		same[i] = NewJob("e")
		same[i].CreatedAt = first.CreatedAt
	}
	for i := 1; i < len(same); i++ {
		assert.Less(t, same[i-1].ID, same[i].ID)
		assert.True(t, same[i-1].Before(same[i]))
		assert.False(t, same[i].Before(same[i-1]))
	}
}

func TestCeilMillis(t *testing.T) {
	whole := time.UnixMilli(1_700_000_000_123)
	assert.Equal(t, int64(1_700_000_000_123), CeilMillis(whole))
	assert.Equal(t, int64(1_700_000_000_124), CeilMillis(whole.Add(time.Nanosecond)))
	assert.Equal(t, int64(1_700_000_000_124), CeilMillis(whole.Add(999*time.Microsecond)))

	j := NewJob("x").SetAvailableAt(whole.Add(300 * time.Microsecond))
	assert.False(t, time.UnixMilli(j.AvailableMillis()).Before(j.AvailableAt))
}

func TestJobCloneIsIndependent(t *testing.T) {
	j := NewJob("a")
	j.Metadata["k"] = "v"
	msg := "boom"
	j.Error = &msg

	c := j.Clone()
	c.Metadata["k"] = "changed"
	*c.Error = "other"
	c.Payload[0] = '['

	assert.Equal(t, "v", j.Metadata["k"])
	assert.Equal(t, "boom", j.LastError())
	assert.Equal(t, "{}", string(j.Payload))
}

func TestMetadataScan(t *testing.T) {
	var m Metadata
	require.NoError(t, m.Scan([]byte(`{"correlation_id":"abc","n":1}`)))
	assert.Equal(t, "abc", m.CorrelationID())

	require.NoError(t, m.Scan(nil))
	assert.Empty(t, m)

	v, err := Metadata{"a": "b"}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, v.(string))

	assert.Error(t, m.Scan(42))
}

func TestEncodeDecode(t *testing.T) {
	j := NewJob("a")
	require.NoError(t, j.Encode(map[string]any{"to": "x@example.com"}))

	var out struct {
		To string `json:"to"`
	}
	require.NoError(t, j.Decode(&out))
	assert.Equal(t, "x@example.com", out.To)

	require.NoError(t, j.Encode(json.RawMessage(`[1,2]`)))
	assert.Equal(t, "[1,2]", string(j.Payload))
}

func TestHandleDecodesTypedPayload(t *testing.T) {
	type payload struct {
		ID int `json:"id"`
	}
	var got int
	h := Handle(func(jc *JobContext, p payload) error {
		got = p.ID
		return nil
	})

	j := NewJob("a")
	jc := NewJobContext(context.Background(), j, nil)
	require.NoError(t, h(jc, json.RawMessage(`{"id":7}`)))
	assert.Equal(t, 7, got)

	assert.Error(t, h(jc, json.RawMessage(`{"id":"x"}`)))
}

func TestJobContextCancel(t *testing.T) {
	j := NewJob("a")
	j.Attempts, j.MaxAttempts = 3, 3
	jc := NewJobContext(context.Background(), j, nil)
	assert.True(t, jc.IsLastAttempt())

	child := jc.WithContext(jc)
	child.Cancel()
	assert.Error(t, child.Err())
	assert.NoError(t, jc.Err())

	jc.Cancel()
	assert.ErrorIs(t, jc.Err(), context.Canceled)
}

func TestStorageWrapping(t *testing.T) {
	assert.Nil(t, Storage("push", nil))
	assert.ErrorIs(t, Storage("get", ErrJobNotFound), ErrJobNotFound)

	err := Storage("push", errors.New("disk full"))
	assert.True(t, IsStorage(err))
	assert.Equal(t, err, Storage("again", err))
}
