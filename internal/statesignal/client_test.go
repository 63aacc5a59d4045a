package statesignal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestNew_RequiresAddr(t *testing.T) {
	t.Parallel()
	_, err := New("")
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	t.Parallel()
	c, mr := newTestClient(t)
	require.NoError(t, c.Ping(context.Background()))

	mr.Close()
	assert.Error(t, c.Ping(context.Background()))
}

func TestArriveAndReset(t *testing.T) {
	t.Parallel()
	c, mr := newTestClient(t)
	ctx := context.Background()

	n, err := c.Arrive(ctx, "20240305_1407", "start")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.Arrive(ctx, "20240305_1407", "start")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Another run's keys survive a reset.
	_, err = c.Arrive(ctx, "other", "start")
	require.NoError(t, err)
	require.NoError(t, c.Publish(ctx, "20240305_1407", "running"))

	require.NoError(t, c.Reset(ctx, "20240305_1407"))
	assert.False(t, mr.Exists("local-ci:20240305_1407:barrier:start"))
	assert.False(t, mr.Exists("local-ci:20240305_1407:state"))
	assert.True(t, mr.Exists("local-ci:other:barrier:start"))

	n, err = c.Arrive(ctx, "20240305_1407", "start")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestResetEmpty(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	assert.NoError(t, c.Reset(context.Background(), "nothing-here"))
}

func TestWait_AllPartiesArrive(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const parties = 5
	errs := make(chan error, parties)
	var wg sync.WaitGroup
	for range parties {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Wait(ctx, "run", "warmup-done", parties)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestWait_TimesOutShortOfParties(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := c.Wait(ctx, "run", "start", 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishAndState(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	ctx := context.Background()

	state, err := c.State(ctx, "run")
	require.NoError(t, err)
	assert.Empty(t, state)

	require.NoError(t, c.Publish(ctx, "run", "benchmark"))
	state, err = c.State(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, "benchmark", state)
}

func TestParseBarrierEvent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		payload string
		name    string
		count   int64
		ok      bool
	}{
		{"barrier start 3", "start", 3, true},
		{"barrier with space 12", "with space", 12, true},
		{barrierEvent("done", 7), "done", 7, true},
		{"state running", "", 0, false},
		{"barrier start x", "", 0, false},
		{"barrier nocount", "", 0, false},
	}
	for _, tt := range tests {
		name, count, ok := parseBarrierEvent(tt.payload)
		assert.Equal(t, tt.ok, ok, tt.payload)
		assert.Equal(t, tt.name, name, tt.payload)
		assert.Equal(t, tt.count, count, tt.payload)
	}
}
