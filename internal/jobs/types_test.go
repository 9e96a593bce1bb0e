package jobs

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewJobID_Deterministic(t *testing.T) {
	a := NewJobID("nlp-trading-platform", "raw/text/2025/11/11/120000.jsonl.gz")
	b := NewJobID("nlp-trading-platform", "raw/text/2025/11/11/120000.jsonl.gz")

	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestNewJobID_DistinguishesContainerAndKey(t *testing.T) {
	// The separator prevents ("ab","c") and ("a","bc") from colliding
	assert.NotEqual(t, NewJobID("ab", "c"), NewJobID("a", "bc"))
	assert.NotEqual(t,
		NewJobID("bucket-a", "raw/text/f.jsonl"),
		NewJobID("bucket-b", "raw/text/f.jsonl"),
	)
}

func TestValidTransition(t *testing.T) {
	legal := []struct{ from, to State }{
		{StatePending, StateClaimed},
		{StateClaimed, StateDone},
		{StateClaimed, StateFailed},
		{StateClaimed, StatePending},
		{StateClaimed, StateClaimed}, // renew
		{StateDone, StatePending},    // reprocess
		{StateFailed, StatePending},  // reprocess
	}
	for _, tc := range legal {
		assert.True(t, ValidTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to State }{
		{StatePending, StateDone},
		{StatePending, StateFailed},
		{StatePending, StatePending},
		{StateDone, StateClaimed},
		{StateDone, StateFailed},
		{StateFailed, StateDone},
		{StateFailed, StateClaimed},
	}
	for _, tc := range illegal {
		assert.False(t, ValidTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestState_IsTerminal(t *testing.T) {
	assert.False(t, StatePending.IsTerminal())
	assert.False(t, StateClaimed.IsTerminal())
	assert.True(t, StateDone.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
}

func TestJob_LeaseExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	expired := &Job{State: StateClaimed, LeaseExpiresAt: &past}
	active := &Job{State: StateClaimed, LeaseExpiresAt: &future}
	pending := &Job{State: StatePending}

	assert.True(t, expired.LeaseExpired(now))
	assert.False(t, active.LeaseExpired(now))
	assert.False(t, pending.LeaseExpired(now))
}

func TestTruncateError(t *testing.T) {
	long := strings.Repeat("x", 2000)
	assert.Len(t, truncateError(long), 500)
	assert.Equal(t, "short", truncateError("short"))
}
