package semver

import (
	"fmt"
	"log/slog"
	"sort"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/edge-cluster-frontend/pkg/cluster"
)

const filterLogPrefix = "semver:filter"

// FilterServices keeps the services whose runtime version satisfies c,
// newest runtime first. Services with equal versions keep directory order.
// A nil constraint returns services unchanged.
func FilterServices(services []cluster.Service, c *Constraint) []cluster.Service {
	if c == nil {
		return services
	}

	type versioned struct {
		svc cluster.Service
		v   *masterminds.Version
	}
	matching := make([]versioned, 0, len(services))
	for _, s := range services {
		v, err := masterminds.NewVersion(s.RuntimeVersion)
		if err != nil {
			slog.Debug(fmt.Sprintf("%s - service %d has no usable runtime version %q, skipping", filterLogPrefix, s.ID, s.RuntimeVersion))
			continue
		}
		if !c.c.Check(v) {
			continue
		}
		matching = append(matching, versioned{svc: s, v: v})
	}

	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].v.GreaterThan(matching[j].v)
	})

	out := make([]cluster.Service, len(matching))
	for i, m := range matching {
		out[i] = m.svc
	}
	slog.Debug(fmt.Sprintf("%s - %d of %d services satisfy runtime %s", filterLogPrefix, len(out), len(services), c))
	return out
}

// CandidateVMs flattens the role nodes of services into a VM id list in
// service order, without duplicates.
func CandidateVMs(services []cluster.Service) []int {
	seen := make(map[int]bool)
	var ids []int
	for _, s := range services {
		for _, id := range s.Nodes {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
