// Package monitor keeps the local snapshot store in sync with the remote
// server: initial seed, reconnecting stream, discovery wake-ups and the
// registry-driven reload of the whole connection.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ups-monitor/internal/store"
)

var (
	errSeedEmpty      = errors.New("seed fetch returned no devices")
	errSeedIncomplete = errors.New("seed fetch is missing configured devices")
)

// FetchFunc returns the current full snapshot list. A failed fetch is
// reported as an error and treated as empty.
type FetchFunc func(ctx context.Context) ([]store.DeviceSnapshot, error)

// SeedPolicy bounds the seed retry loop.
type SeedPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultSeedPolicy is three attempts one second apart.
func DefaultSeedPolicy() SeedPolicy {
	return SeedPolicy{Attempts: 3, Delay: time.Second}
}

// SeedResult is the outcome of Seed.
type SeedResult struct {
	Snapshots []store.DeviceSnapshot
	Attempts  int
	Converged bool
	Missing   []string
}

// Seed fetches the snapshot list until every name in want is present or
// the attempts run out. With an empty want, the first non-empty fetch
// converges. The last non-empty fetch is returned; fetch errors count as
// empty results. Seed stops early when ctx is done.
func Seed(ctx context.Context, fetch FetchFunc, want []string, policy SeedPolicy) SeedResult {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	var res SeedResult
	operation := func() (struct{}, error) {
		res.Attempts++
		snaps, err := fetch(ctx)
		if err != nil {
			snaps = nil
		}
		if len(snaps) > 0 {
			res.Snapshots = snaps
		}

		res.Missing = missingNames(want, res.Snapshots)
		switch {
		case len(res.Snapshots) == 0:
			return struct{}{}, errSeedEmpty
		case len(res.Missing) > 0:
			return struct{}{}, errSeedIncomplete
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&backoff.ConstantBackOff{Interval: policy.Delay}),
		backoff.WithMaxTries(uint(policy.Attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	res.Converged = err == nil
	return res
}

func missingNames(want []string, snaps []store.DeviceSnapshot) []string {
	present := make(map[string]struct{}, len(snaps))
	for _, s := range snaps {
		present[s.Name] = struct{}{}
	}
	var missing []string
	for _, n := range want {
		if _, ok := present[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}
