// Package scheduler implements the per-download polling loop that issues
// chunk requests through peer sessions chosen via the availability index,
// bounds outstanding work, and terminates on completion or stall.
package scheduler

import (
	"context"
	"time"

	"github.com/nodeswarm/peernode/internal/availability"
	"github.com/nodeswarm/peernode/internal/observability"
	"github.com/nodeswarm/peernode/internal/store"
)

// Outcome is the terminal result of a scheduler run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeStalled   Outcome = "stalled"
	OutcomeCanceled  Outcome = "canceled"
)

const (
	// MaxOutstanding bounds concurrently outstanding requests per file.
	MaxOutstanding = 10
	// MaxRetries bounds reissues of a chunk_request for the same
	// (digest, index) across all sessions before it counts as exhausted.
	MaxRetries = 5
	// StallCycles is the number of consecutive no-progress poll cycles,
	// with every remaining chunk retry-exhausted, before surfacing Stalled.
	StallCycles = 3

	activePollInterval = 500 * time.Millisecond
	idlePollInterval   = 5 * time.Second
)

// Scheduler drives one in-progress digest to completion or stall.
type Scheduler struct {
	digest       string
	store        *store.Store
	availability *availability.Index
	logger       *observability.Logger
	metrics      *observability.Metrics

	activeInterval time.Duration
	idleInterval   time.Duration

	// Outstanding bounds concurrently outstanding requests for this file;
	// Retries caps reissues of a request for the same chunk. New sets both
	// to the package defaults; callers may override before Run.
	Outstanding int
	Retries     int

	// OnProgress, if set, is invoked once per poll cycle with the number
	// of chunks received so far and the total chunk count. Used to drive
	// the control-plane progress event stream; nil is a valid no-op.
	OnProgress func(received, total int)
}

// New builds a scheduler for digest over store/availability, using the
// default poll cadence (500ms active, 5s idle).
func New(digest string, st *store.Store, idx *availability.Index, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		digest:         digest,
		store:          st,
		availability:   idx,
		logger:         logger,
		metrics:        metrics,
		activeInterval: activePollInterval,
		idleInterval:   idlePollInterval,
		Outstanding:    MaxOutstanding,
		Retries:        MaxRetries,
	}
}

// Run executes the poll loop until the download completes, stalls, or ctx
// is canceled.
func (s *Scheduler) Run(ctx context.Context) Outcome {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.RecordDownloadStart()
	}
	if err := s.store.BeginDownload(s.digest); err != nil {
		s.recordEnd(OutcomeStalled, start)
		return OutcomeStalled
	}

	retryCount := make(map[int]int)
	prevMissingLen := -1
	stallCycles := 0

	for {
		select {
		case <-ctx.Done():
			s.recordEnd(OutcomeCanceled, start)
			return OutcomeCanceled
		default:
		}

		missing := s.store.MissingChunks(s.digest)
		if len(missing) == 0 {
			s.recordEnd(OutcomeCompleted, start)
			return OutcomeCompleted
		}

		// Retry-exhausted chunks stop occupying request slots, so later
		// missing indices still get tried; they only count toward the
		// stall verdict below.
		batch := make([]int, 0, s.Outstanding)
		for _, idx := range missing {
			if retryCount[idx] >= s.Retries {
				continue
			}
			batch = append(batch, idx)
			if len(batch) == s.Outstanding {
				break
			}
		}

		issued := 0
		for _, idx := range batch {
			peerID, ok := s.availability.SelectSource(s.digest, idx)
			if !ok {
				continue
			}
			session, ok := s.availability.Session(peerID)
			if !ok {
				continue
			}
			if err := session.RequestChunk(s.digest, idx); err != nil {
				continue
			}
			retryCount[idx]++
			issued++
		}

		if len(missing) == prevMissingLen {
			stallCycles++
		} else {
			stallCycles = 0
		}
		prevMissingLen = len(missing)

		if s.OnProgress != nil {
			if received, total, ok := s.store.Progress(s.digest); ok {
				s.OnProgress(received, total)
			}
		}

		if stallCycles >= StallCycles && allExhaustedAcross(missing, retryCount, s.Retries) {
			if s.logger != nil {
				s.logger.DownloadStalled(s.digest, len(missing), stallCycles)
			}
			s.recordEnd(OutcomeStalled, start)
			return OutcomeStalled
		}

		wait := s.activeInterval
		if issued == 0 {
			wait = s.idleInterval
		}
		select {
		case <-ctx.Done():
			s.recordEnd(OutcomeCanceled, start)
			return OutcomeCanceled
		case <-time.After(wait):
		}
	}
}

// allExhaustedAcross reports whether every chunk still missing has used up
// its retry budget. Stalling is only justified when this holds for the
// whole missing set, not just the bounded request window.
func allExhaustedAcross(missing []int, retryCount map[int]int, limit int) bool {
	for _, idx := range missing {
		if retryCount[idx] < limit {
			return false
		}
	}
	return true
}

func (s *Scheduler) recordEnd(outcome Outcome, start time.Time) {
	if s.metrics == nil {
		return
	}
	status := string(outcome)
	s.metrics.RecordDownloadEnd(status, time.Since(start).Seconds())
}
