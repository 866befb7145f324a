// Package balancer ranks candidate workers by live CPU load and resolves the
// first reachable one into a dispatch endpoint.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/morezero/edge-cluster-frontend/pkg/cluster"
	"github.com/morezero/edge-cluster-frontend/pkg/metrics"
)

const logPrefix = "balancer:select"

// DefaultThreshold is the CPU percentage below which a worker is taken
// without ranking the rest.
const DefaultThreshold = 10.0

// ErrNoCapacity means no candidate worker is eligible or reachable.
var ErrNoCapacity = errors.New("balancer: no capacity")

// Ranked is a candidate worker with its CPU sample.
type Ranked struct {
	ID  int
	CPU float64
}

// Options tunes Select.
type Options struct {
	// Threshold is the fast-path CPU bound; zero means DefaultThreshold.
	Threshold float64
	// Inspect is called for each candidate examined for the decision.
	Inspect func(Ranked)
}

// Select returns the preference order for candidates.
//
// Candidates without a load sample are skipped. Candidates are examined in
// the given order; the first one below the threshold ends the examination and
// heads the result, followed by the examined candidates ranked by load and
// then the unexamined ones in candidate order. Without an idle candidate the
// result is every sampled candidate sorted by ascending load.
func Select(ctx context.Context, monitor cluster.Monitor, candidates []int, opts Options) ([]Ranked, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: empty candidate set", ErrNoCapacity)
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	samples, err := monitor.CPUSamples(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s - read monitoring: %w", logPrefix, err)
	}

	seen := make(map[int]bool, len(candidates))
	examined := make([]Ranked, 0, len(candidates))
	for i, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true

		cpu, ok := samples[id]
		if !ok {
			slog.Debug(fmt.Sprintf("%s - VM %d has no monitoring sample, skipping", logPrefix, id))
			continue
		}
		r := Ranked{ID: id, CPU: cpu}
		if opts.Inspect != nil {
			opts.Inspect(r)
		}
		if cpu < threshold {
			slog.Debug(fmt.Sprintf("%s - VM %d below %.1f%% CPU (%.1f%%), taking it", logPrefix, id, threshold, cpu))
			metrics.RecordSelection(true)
			out := append([]Ranked{r}, sortByLoad(examined)...)
			return append(out, remaining(candidates[i+1:], samples, seen)...), nil
		}
		examined = append(examined, r)
	}

	if len(examined) == 0 {
		return nil, fmt.Errorf("%w: no candidate has a load sample", ErrNoCapacity)
	}
	metrics.RecordSelection(false)
	return sortByLoad(examined), nil
}

func sortByLoad(in []Ranked) []Ranked {
	out := append([]Ranked(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CPU != out[j].CPU {
			return out[i].CPU < out[j].CPU
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func remaining(ids []int, samples map[int]float64, seen map[int]bool) []Ranked {
	var out []Ranked
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if cpu, ok := samples[id]; ok {
			out = append(out, Ranked{ID: id, CPU: cpu})
		}
	}
	return out
}
