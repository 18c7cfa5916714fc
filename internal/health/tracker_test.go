package health

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_StartsHealthy(t *testing.T) {
	tr := New("btc", 3)
	assert.Equal(t, StateHealthy, tr.State())
	assert.Equal(t, "healthy", tr.Snapshot().State)
}

func TestTracker_DegradesAtThreshold(t *testing.T) {
	tr := New("btc", 3)
	errFetch := errors.New("status 500")

	tr.Failure(errFetch)
	tr.Failure(errFetch)
	assert.Equal(t, StateHealthy, tr.State(), "below threshold should stay healthy")

	tr.Failure(errFetch)
	assert.Equal(t, StateDegraded, tr.State())

	status := tr.Snapshot()
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, "status 500", status.LastError)
}

func TestTracker_SingleSuccessRecovers(t *testing.T) {
	tr := New("btc", 2)
	tr.Failure(errors.New("boom"))
	tr.Failure(errors.New("boom"))
	require.Equal(t, StateDegraded, tr.State())

	tr.Success()
	assert.Equal(t, StateHealthy, tr.State())

	status := tr.Snapshot()
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Empty(t, status.LastError)
	assert.False(t, status.LastSuccess.IsZero())
}

func TestTracker_DegradeCallbackFiresOnce(t *testing.T) {
	var calls atomic.Int32
	tr := New("btc", 2).WithDegradeCallback(func(name string, err error) {
		calls.Add(1)
	})

	errFetch := errors.New("timeout")
	tr.Failure(errFetch)
	tr.Failure(errFetch)
	tr.Failure(errFetch)
	tr.Failure(errFetch)

	// Callback runs in a goroutine, give it a moment.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "callback should fire only on the transition")
}

func TestTracker_DefaultThreshold(t *testing.T) {
	tr := New("btc", 0)
	err := errors.New("boom")
	tr.Failure(err)
	tr.Failure(err)
	assert.Equal(t, StateHealthy, tr.State())
	tr.Failure(err)
	assert.Equal(t, StateDegraded, tr.State())
}
