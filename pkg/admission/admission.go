// Package admission implements the Resource Admission Gate (RAG): the
// single shared ledger of concurrency and memory budget that a worker
// must acquire a ticket from before invoking Process.
package admission

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/jobfabric/pkg/events"
	"github.com/cuemby/jobfabric/pkg/types"
)

// RejectReason enumerates why Acquire refused a job.
type RejectReason string

const (
	RejectConcurrency RejectReason = "max_concurrent"
	RejectPaused      RejectReason = "paused"
	RejectLargeLane   RejectReason = "large_lane_saturated"
	RejectMemCeiling  RejectReason = "mem_ceiling"
)

// RejectError is returned by Acquire when admission is refused.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("admission: rejected (%s)", e.Reason)
}

// Ticket is the admission receipt a worker must pass back to Release.
type Ticket struct {
	JobID        string
	Lane         types.Lane
	EstimatedMem int64
}

// EstimateFunc estimates a job's memory footprint. The default is
// 2×file_size bounded to [50MB, 800MB], per spec §4.2.
type EstimateFunc func(fileSizeBytes int64) int64

// DefaultEstimate implements the spec's default estimator.
func DefaultEstimate(fileSizeBytes int64) int64 {
	const (
		minEstimate = 50 * 1024 * 1024
		maxEstimate = 800 * 1024 * 1024
	)
	est := fileSizeBytes * 2
	if est < minEstimate {
		return minEstimate
	}
	if est > maxEstimate {
		return maxEstimate
	}
	return est
}

// Config bounds the gate's ceilings.
type Config struct {
	MaxConcurrent       int
	MemCeilingBytes     int64
	LargeThresholdBytes int64
	MaxLargeConcurrent  int
	PauseAtPct          float64 // default 0.85
	ResumeAtPct         float64 // default 0.70
}

// Gate is the Resource Admission Gate.
type Gate struct {
	mu       sync.Mutex
	cfg      Config
	ledger   types.ResourceLedger
	estimate EstimateFunc
	sink     events.Sink
}

// NewGate constructs a RAG with the given bounds. A nil estimate func
// uses DefaultEstimate.
func NewGate(cfg Config, estimate EstimateFunc, sink events.Sink) *Gate {
	if estimate == nil {
		estimate = DefaultEstimate
	}
	if cfg.PauseAtPct == 0 {
		cfg.PauseAtPct = 0.85
	}
	if cfg.ResumeAtPct == 0 {
		cfg.ResumeAtPct = 0.70
	}
	return &Gate{
		cfg: cfg,
		ledger: types.ResourceLedger{
			MaxConcurrent:       cfg.MaxConcurrent,
			MemCeilingBytes:     cfg.MemCeilingBytes,
			LargeThresholdBytes: cfg.LargeThresholdBytes,
			MaxLargeConcurrent:  cfg.MaxLargeConcurrent,
		},
		estimate: estimate,
		sink:     sink,
	}
}

// Acquire admits a job or returns a RejectError classifying the refusal.
func (g *Gate) Acquire(job *types.Job) (*Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ledger.Paused {
		return nil, &RejectError{Reason: RejectPaused}
	}
	if g.ledger.ActiveJobs >= g.cfg.MaxConcurrent {
		return nil, &RejectError{Reason: RejectConcurrency}
	}
	if job.Lane == types.LaneLarge && g.ledger.LargeInFlight >= g.cfg.MaxLargeConcurrent {
		return nil, &RejectError{Reason: RejectLargeLane}
	}

	est := g.estimate(job.FileSizeBytes)
	if g.ledger.MemEstimateBytes+est > g.cfg.MemCeilingBytes {
		return nil, &RejectError{Reason: RejectMemCeiling}
	}

	g.ledger.ActiveJobs++
	g.ledger.MemEstimateBytes += est
	if job.Lane == types.LaneLarge {
		g.ledger.LargeInFlight++
	}

	return &Ticket{JobID: job.JobID, Lane: job.Lane, EstimatedMem: est}, nil
}

// Release returns a ticket's resources to the ledger.
func (g *Gate) Release(ticket *Ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ledger.ActiveJobs--
	if g.ledger.ActiveJobs < 0 {
		g.ledger.ActiveJobs = 0
	}
	g.ledger.MemEstimateBytes -= ticket.EstimatedMem
	if g.ledger.MemEstimateBytes < 0 {
		g.ledger.MemEstimateBytes = 0
	}
	if ticket.Lane == types.LaneLarge {
		g.ledger.LargeInFlight--
		if g.ledger.LargeInFlight < 0 {
			g.ledger.LargeInFlight = 0
		}
	}
}

// ReportMemUsage takes the fraction of mem_ceiling_bytes currently in use
// (no component in this repository calls it, so Paused changes only when
// a caller reports usage); it sets or clears Paused per the
// backpressure hysteresis band in spec §4.2 (pause at ≥85%, resume at
// ≤70%).
func (g *Gate) ReportMemUsage(usedPct float64) {
	g.mu.Lock()
	wasPaused := g.ledger.Paused
	if !g.ledger.Paused && usedPct >= g.cfg.PauseAtPct {
		g.ledger.Paused = true
	} else if g.ledger.Paused && usedPct <= g.cfg.ResumeAtPct {
		g.ledger.Paused = false
	}
	nowPaused := g.ledger.Paused
	g.mu.Unlock()

	if g.sink == nil || wasPaused == nowPaused {
		return
	}
	if nowPaused {
		g.sink.Emit(&events.Event{Type: events.EventAdmissionPaused, Message: "admission gate paused: memory pressure"})
	} else {
		g.sink.Emit(&events.Event{Type: events.EventAdmissionResume, Message: "admission gate resumed"})
	}
}

// Snapshot returns a copy of the ledger for status reporting.
func (g *Gate) Snapshot() types.ResourceLedger {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ledger
}

// UpdateBounds atomically replaces the gate's configurable bounds,
// rejecting nonsensical values (a Configuration error per spec §7).
func (g *Gate) UpdateBounds(cfg Config) error {
	if cfg.MaxConcurrent <= 0 || cfg.MemCeilingBytes <= 0 {
		return errors.New("admission: invalid bounds")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	g.ledger.MaxConcurrent = cfg.MaxConcurrent
	g.ledger.MemCeilingBytes = cfg.MemCeilingBytes
	g.ledger.LargeThresholdBytes = cfg.LargeThresholdBytes
	g.ledger.MaxLargeConcurrent = cfg.MaxLargeConcurrent
	return nil
}
