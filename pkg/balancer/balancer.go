// Package balancer implements the Load Balancer (C8): a pure advisor
// with no side effects that recommends a scaling action to the
// Autoscaler once per cycle, based on queue depth, worker utilization and
// admission pause state. The per-lane average processing time in its
// input is not consulted.
package balancer

import (
	"fmt"

	"github.com/cuemby/jobfabric/pkg/types"
)

// Action is the kind of recommendation the balancer emits.
type Action string

const (
	NoChange  Action = "no_change"
	ScaleUp   Action = "scale_up"
	ScaleDown Action = "scale_down"
	Rebalance Action = "rebalance"
)

// Recommendation is the balancer's output for one cycle.
type Recommendation struct {
	Action   Action
	N        int
	LaneHint types.Lane
	Reason   string
}

// LaneSnapshot is the per-lane input the balancer reasons over.
type LaneSnapshot struct {
	Lane            types.Lane
	Waiting         int
	Idle            int
	Processing      int
	AvgProcessingMs float64
}

// Input is everything the Load Balancer needs for one cycle; it holds no
// state of its own between calls.
type Input struct {
	Lanes           []LaneSnapshot
	AdmissionPaused bool
}

// Advise computes a recommendation from the current lane snapshots. It
// never mutates its input and never calls out to any other component —
// the Autoscaler decides whether and how to act on the recommendation.
func Advise(in Input) Recommendation {
	if in.AdmissionPaused {
		return Recommendation{Action: NoChange, Reason: "admission gate is paused, no scaling while in backpressure"}
	}

	totalWaiting := 0
	totalIdle := 0
	var mostBacklogged *LaneSnapshot
	var leastUtilized *LaneSnapshot

	for i := range in.Lanes {
		l := &in.Lanes[i]
		totalWaiting += l.Waiting
		totalIdle += l.Idle

		if mostBacklogged == nil || l.Waiting > mostBacklogged.Waiting {
			mostBacklogged = l
		}
		if leastUtilized == nil || utilization(*l) < utilization(*leastUtilized) {
			leastUtilized = l
		}
	}

	switch {
	case totalWaiting == 0:
		return Recommendation{Action: NoChange, Reason: "no jobs waiting in any lane"}
	case mostBacklogged != nil && mostBacklogged.Waiting > 0 && totalIdle == 0:
		return Recommendation{
			Action:   ScaleUp,
			N:        estimateAdditional(mostBacklogged.Waiting),
			LaneHint: mostBacklogged.Lane,
			Reason:   fmt.Sprintf("lane %s has %d waiting and no idle workers", mostBacklogged.Lane, mostBacklogged.Waiting),
		}
	case leastUtilized != nil && leastUtilized.Idle > 0 && leastUtilized.Waiting == 0:
		return Recommendation{
			Action:   Rebalance,
			LaneHint: leastUtilized.Lane,
			Reason:   fmt.Sprintf("lane %s is idle with nothing waiting, favor it for scale-down", leastUtilized.Lane),
		}
	default:
		return Recommendation{Action: NoChange, Reason: "queue depth within steady-state bounds"}
	}
}

func utilization(l LaneSnapshot) float64 {
	total := l.Idle + l.Processing
	if total == 0 {
		return 0
	}
	return float64(l.Processing) / float64(total)
}

func estimateAdditional(waiting int) int {
	n := (waiting + 4) / 5 // ceil(waiting/5), matching the autoscaler's own scale-up formula
	if n < 1 {
		return 1
	}
	return n
}
