package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ups-monitor/internal/store"
)

func devs(names ...string) []store.DeviceSnapshot {
	out := make([]store.DeviceSnapshot, len(names))
	for i, n := range names {
		out[i] = store.DeviceSnapshot{Name: n, Type: store.DeviceTypeNUT}
	}
	return out
}

func scripted(results ...[]store.DeviceSnapshot) (FetchFunc, *int) {
	calls := 0
	return func(context.Context) ([]store.DeviceSnapshot, error) {
		i := calls
		calls++
		if i >= len(results) {
			i = len(results) - 1
		}
		if results[i] == nil {
			return nil, errors.New("connection refused")
		}
		return results[i], nil
	}, &calls
}

func TestSeedConvergesOnThirdAttempt(t *testing.T) {
	fetch, calls := scripted(devs("a"), devs("a"), devs("a", "b"))

	res := Seed(context.Background(), fetch, []string{"a", "b"}, SeedPolicy{Attempts: 3, Delay: time.Millisecond})

	assert.True(t, res.Converged)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, *calls)
	assert.Len(t, res.Snapshots, 2)
	assert.Empty(t, res.Missing)
}

func TestSeedStopsEarly(t *testing.T) {
	fetch, calls := scripted(devs("a", "b"))

	res := Seed(context.Background(), fetch, []string{"a", "b"}, SeedPolicy{Attempts: 3, Delay: time.Hour})

	assert.True(t, res.Converged)
	assert.Equal(t, 1, *calls)
}

func TestSeedWithoutNamesTakesFirstNonEmpty(t *testing.T) {
	fetch, calls := scripted(nil, devs("x"))

	res := Seed(context.Background(), fetch, nil, SeedPolicy{Attempts: 3, Delay: time.Millisecond})

	assert.True(t, res.Converged)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, "x", res.Snapshots[0].Name)
}

func TestSeedKeepsLastNonEmptyResult(t *testing.T) {
	fetch, _ := scripted(devs("a"), nil, nil)

	res := Seed(context.Background(), fetch, []string{"a", "b"}, SeedPolicy{Attempts: 3, Delay: time.Millisecond})

	assert.False(t, res.Converged)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, res.Snapshots, 1)
	assert.Equal(t, []string{"b"}, res.Missing)
}

func TestSeedAllFailures(t *testing.T) {
	fetch, calls := scripted(nil)

	res := Seed(context.Background(), fetch, []string{"a"}, SeedPolicy{Attempts: 3, Delay: time.Millisecond})

	assert.False(t, res.Converged)
	assert.Empty(t, res.Snapshots)
	assert.Equal(t, 3, *calls)
}

func TestSeedAbortsSleepOnCancel(t *testing.T) {
	fetch, calls := scripted(devs("a"))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	res := Seed(ctx, fetch, []string{"a", "b"}, SeedPolicy{Attempts: 3, Delay: time.Hour})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, *calls)
	assert.Len(t, res.Snapshots, 1)
}
