// Package region maps run locations to region-scoped queue names.
package region

import (
	"strings"

	"go.uber.org/zap"
)

// Location is a recognized execution region.
type Location string

const (
	USEast       Location = "us-east"
	EUCentral    Location = "eu-central"
	AsiaPacific  Location = "asia-pacific"
	Global       Location = "global"
)

// Regions lists the pinnable regions in failover preference order.
// Global is not a real region; it resolves to one of these.
var Regions = []Location{USEast, EUCentral, AsiaPacific}

// ExecKind selects which worker binary handles a run.
type ExecKind string

const (
	KindPlaywright ExecKind = "playwright"
	KindK6         ExecKind = "k6"
	KindMonitor    ExecKind = "monitor"
)

// QueueDataLifecycle carries retention cleanup work. Not parameterized by
// region; any app node may consume it.
const QueueDataLifecycle = "data-lifecycle"

// Valid reports whether loc is a recognized location.
func Valid(loc string) bool {
	switch Location(strings.TrimSpace(strings.ToLower(loc))) {
	case USEast, EUCentral, AsiaPacific, Global:
		return true
	}
	return false
}

// Normalize lowers and validates a boundary-supplied location. Unrecognized
// values fall back to global with a warning.
func Normalize(loc string, logger *zap.Logger) Location {
	trimmed := Location(strings.TrimSpace(strings.ToLower(loc)))
	switch trimmed {
	case USEast, EUCentral, AsiaPacific, Global:
		return trimmed
	case "":
		return Global
	}
	if logger != nil {
		logger.Warn("unrecognized location, using global", zap.String("location", loc))
	}
	return Global
}

// ExecQueue returns the exec queue name for a kind in one region.
func ExecQueue(kind ExecKind, loc Location) string {
	return string(kind) + "-exec-" + string(loc)
}

// AllExecQueues enumerates every kind-by-region exec queue.
func AllExecQueues() []string {
	kinds := []ExecKind{KindPlaywright, KindK6, KindMonitor}
	out := make([]string, 0, len(kinds)*len(Regions))
	for _, kind := range kinds {
		for _, loc := range Regions {
			out = append(out, ExecQueue(kind, loc))
		}
	}
	return out
}

// DepthFunc reports the ready+in-flight depth of a queue. Used to pick the
// lowest-load region for global runs.
type DepthFunc func(queue string) int

// Router resolves a run's location to an ordered list of candidate queues.
type Router struct {
	depth  DepthFunc
	logger *zap.Logger
}

// NewRouter creates a Router. depth may be nil; global runs then route in
// declaration order.
func NewRouter(depth DepthFunc, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{depth: depth, logger: logger}
}

// Route returns candidate queue names for the run, most preferred first.
// Pinned locations get their own queue followed by the remaining regions as
// failover targets. Global orders all regions by current load.
func (r *Router) Route(kind ExecKind, loc string) []string {
	normalized := Normalize(loc, r.logger)

	if normalized != Global {
		out := []string{ExecQueue(kind, normalized)}
		for _, region := range Regions {
			if region != normalized {
				out = append(out, ExecQueue(kind, region))
			}
		}
		return out
	}

	ordered := make([]Location, len(Regions))
	copy(ordered, Regions)
	if r.depth != nil {
		// Stable insertion sort by depth keeps declaration order on ties.
		for i := 1; i < len(ordered); i++ {
			for j := i; j > 0 && r.depth(ExecQueue(kind, ordered[j])) < r.depth(ExecQueue(kind, ordered[j-1])); j-- {
				ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
			}
		}
	}

	out := make([]string, 0, len(ordered))
	for _, region := range ordered {
		out = append(out, ExecQueue(kind, region))
	}
	return out
}

// WorkerQueues returns the exec queues a worker should lease from. With
// filtering on, the worker consumes only its own region's queues; otherwise
// it consumes every region's queues for all kinds.
func WorkerQueues(loc Location, filtering bool) []string {
	kinds := []ExecKind{KindPlaywright, KindK6, KindMonitor}

	if filtering && loc != Global {
		out := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			out = append(out, ExecQueue(kind, loc))
		}
		return out
	}

	out := make([]string, 0, len(kinds)*len(Regions))
	for _, kind := range kinds {
		for _, region := range Regions {
			out = append(out, ExecQueue(kind, region))
		}
	}
	return out
}

// KindForQueue recovers the exec kind from a queue name, if it is an exec
// queue.
func KindForQueue(queue string) (ExecKind, bool) {
	for _, kind := range []ExecKind{KindPlaywright, KindK6, KindMonitor} {
		if strings.HasPrefix(queue, string(kind)+"-exec-") {
			return kind, true
		}
	}
	return "", false
}
