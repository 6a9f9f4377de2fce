package verifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/covenant-labs/covenant/internal/domain"
	"github.com/covenant-labs/covenant/internal/infra/observability"
)

// NoEvidenceReason is recorded on commitments failed by the sweeper.
const NoEvidenceReason = "no evidence submitted by deadline"

// SweepSource is the part of the custody engine the sweeper reads and drives.
// ResolveExpired must re-check the proof and deadline atomically with the
// resolution; the sweeper's own reads are only hints.
type SweepSource interface {
	Count() int
	Get(id uint64) (domain.Commitment, error)
	ResolveExpired(ctx context.Context, caller domain.Principal, id uint64, now time.Time, reason string) (domain.Commitment, error)
}

// SweeperConfig controls the sweeper.
type SweeperConfig struct {
	Identity domain.Principal
	Interval time.Duration // tick interval for Run (default: 1m)
	Clock    func() time.Time
}

// Sweeper fails expired commitments that never received evidence.
// Commitments with a proof reference are left for the orchestrator.
type Sweeper struct {
	mu        sync.Mutex // serializes sweeps
	cfg       SweeperConfig
	source    SweepSource
	queue     deadlineQueue
	watermark uint64 // next commitment id not yet queued
	log       *slog.Logger
}

// NewSweeper creates a sweeper over source.
func NewSweeper(cfg SweeperConfig, source SweepSource, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Sweeper{cfg: cfg, source: source, log: observability.Component(logger, "sweeper")}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("sweep incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep queues commitments created since the last sweep and fails every
// queued one that is past its deadline without evidence. It returns the IDs
// it resolved.
func (s *Sweeper) Sweep(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.track()
	now := s.cfg.Clock()

	var (
		resolved []uint64
		errs     []error
	)
	for _, item := range s.queue.PopDue(now) {
		if _, err := s.source.ResolveExpired(ctx, s.cfg.Identity, item.ID, now, NoEvidenceReason); err != nil {
			// Resolved elsewhere, or evidence arrived and the orchestrator owns it.
			if errors.Is(err, domain.ErrAlreadyResolved) || errors.Is(err, domain.ErrProofSubmitted) {
				continue
			}
			// Retry on the next sweep.
			s.queue.Push(item)
			errs = append(errs, err)
			continue
		}
		observability.SweeperResolutions.Inc()
		s.log.Info("expired commitment failed", "id", item.ID, "deadline", item.Deadline)
		resolved = append(resolved, item.ID)
	}
	return resolved, errors.Join(errs...)
}

// Pending returns how many commitments are waiting on their deadline.
func (s *Sweeper) Pending() int { return s.queue.Len() }

// NextDue returns the earliest queued deadline, as of the last sweep.
func (s *Sweeper) NextDue() (time.Time, bool) {
	item, ok := s.queue.Peek()
	return item.Deadline, ok
}

// track queues every commitment with an ID at or past the watermark.
// IDs are sequential, so this visits each commitment once.
func (s *Sweeper) track() {
	count := uint64(s.source.Count())
	for ; s.watermark < count; s.watermark++ {
		c, err := s.source.Get(s.watermark)
		if err != nil {
			return
		}
		if c.Status == domain.StatusActive {
			s.queue.Push(deadlineItem{ID: c.ID, Deadline: c.Deadline})
		}
	}
}
