// Package verifier drives commitments to resolution from outside the custody
// engine.
//
// The Orchestrator takes (commitment, evidence) jobs, asks the verification
// service for a verdict and resolves the commitment with it. The Sweeper
// fails commitments whose deadline passed without any evidence.
//
// Both act with the resolver principal's authority. Their resolutions carry a
// precondition the engine checks under its writer lock: the orchestrator's
// verdict must be for the recorded proof, and the sweeper's expiry must still
// find no proof at all.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/covenant-labs/covenant/internal/domain"
	"github.com/covenant-labs/covenant/internal/infra/observability"
)

// ErrAtCapacity is returned by Submit when every verification slot is busy.
var ErrAtCapacity = errors.New("verifier at capacity")

// Custody is the part of the custody engine the orchestrator needs.
type Custody interface {
	Get(id uint64) (domain.Commitment, error)
	ResolveProof(ctx context.Context, caller domain.Principal, id uint64, proofRef string, verified bool, reason string) (domain.Commitment, error)
}

// Config controls orchestrator behavior.
type Config struct {
	Identity      domain.Principal // principal the orchestrator resolves as
	MaxConcurrent int              // concurrent verifications (default: 4)
	Timeout       time.Duration    // per verification (default: 3m)

	// RequireSubjectPresent makes a verdict count as verified only when the
	// owner is also visible in the evidence.
	RequireSubjectPresent bool
}

// DefaultConfig returns safe orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:         4,
		Timeout:               3 * time.Minute,
		RequireSubjectPresent: true,
	}
}

// Orchestrator runs verification jobs with bounded concurrency.
type Orchestrator struct {
	mu        sync.RWMutex
	config    Config
	custody   Custody
	gateway   domain.VerificationGateway
	sem       chan struct{}
	wg        sync.WaitGroup
	active    int
	completed int64
	failed    int64
	errored   int64

	tracer trace.Tracer
	log    *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config, custody Custody, gateway domain.VerificationGateway, logger *slog.Logger) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Orchestrator{
		config:  cfg,
		custody: custody,
		gateway: gateway,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		tracer:  otel.Tracer("covenant/verifier"),
		log:     observability.Component(logger, "verifier"),
	}
}

// Submit queues a verification and returns immediately. evidenceID may be
// empty, in which case the commitment's proof reference is used; otherwise it
// must equal that reference.
func (o *Orchestrator) Submit(ctx context.Context, id uint64, evidenceID string) error {
	evidenceID, err := o.precheck(id, evidenceID)
	if err != nil {
		return err
	}

	select {
	case o.sem <- struct{}{}:
	default:
		return fmt.Errorf("%w (%d concurrent verifications)", ErrAtCapacity, o.config.MaxConcurrent)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() { <-o.sem }()
		// Detached from the request; the job outlives it.
		if _, err := o.run(context.WithoutCancel(ctx), id, evidenceID); err != nil {
			o.log.Warn("verification job ended without resolution", "id", id, "error", err)
		}
	}()
	return nil
}

// Verify runs a verification synchronously and returns the resolved
// commitment. It waits for a free slot.
func (o *Orchestrator) Verify(ctx context.Context, id uint64, evidenceID string) (domain.Commitment, error) {
	evidenceID, err := o.precheck(id, evidenceID)
	if err != nil {
		return domain.Commitment{}, err
	}
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.Commitment{}, ctx.Err()
	}
	defer func() { <-o.sem }()
	return o.run(ctx, id, evidenceID)
}

// Wait blocks until all submitted jobs have finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) precheck(id uint64, evidenceID string) (string, error) {
	c, err := o.custody.Get(id)
	if err != nil {
		return "", err
	}
	if c.Status != domain.StatusActive {
		return "", fmt.Errorf("%w: commitment %d is %s", domain.ErrAlreadyResolved, id, c.Status)
	}
	if c.ProofReference == "" {
		return "", fmt.Errorf("%w: commitment %d has no evidence to verify", domain.ErrEmptyProof, id)
	}
	evidenceID = strings.TrimSpace(evidenceID)
	if evidenceID != "" && evidenceID != c.ProofReference {
		return "", fmt.Errorf("%w: commitment %d records %q, not %q",
			domain.ErrProofMismatch, id, c.ProofReference, evidenceID)
	}
	return c.ProofReference, nil
}

// run performs one verification. A gateway failure leaves the commitment
// Active so the job can be retried.
func (o *Orchestrator) run(ctx context.Context, id uint64, evidenceID string) (domain.Commitment, error) {
	o.mu.Lock()
	o.active++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}()

	ctx, span := o.tracer.Start(ctx, "verifier.verify", trace.WithAttributes(
		attribute.Int64("commitment.id", int64(id)),
		attribute.String("evidence.id", evidenceID),
	))
	defer span.End()

	c, err := o.custody.Get(id)
	if err != nil {
		return o.abort(span, id, err)
	}

	vctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()
	verdict, err := o.gateway.Verify(vctx, evidenceID, c.Description)
	if err != nil {
		return o.abort(span, id, err)
	}

	verified := verdict.Verified
	if o.config.RequireSubjectPresent {
		verified = verified && verdict.SubjectPresent
	}
	reason := verdict.Rationale
	if verdict.Verified && !verified {
		reason = strings.TrimSpace("owner not visible in evidence. " + reason)
	}
	span.SetAttributes(
		attribute.Bool("verdict.verified", verdict.Verified),
		attribute.Bool("verdict.user_present", verdict.SubjectPresent),
	)

	resolved, err := o.custody.ResolveProof(ctx, o.config.Identity, id, evidenceID, verified, reason)
	if err != nil {
		return o.abort(span, id, err)
	}

	o.mu.Lock()
	if resolved.Status == domain.StatusCompleted {
		o.completed++
	} else {
		o.failed++
	}
	o.mu.Unlock()
	o.log.Info("commitment verified", "id", id, "evidence", evidenceID, "status", resolved.Status.String())
	return resolved, nil
}

func (o *Orchestrator) abort(span trace.Span, id uint64, err error) (domain.Commitment, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.mu.Lock()
	o.errored++
	o.mu.Unlock()
	if domain.IsIntegrityFault(err) {
		o.log.Error("verification hit integrity fault", "id", id, "error", err)
	} else {
		o.log.Warn("verification failed", "id", id, "error", err)
	}
	return domain.Commitment{}, err
}

// Stats are orchestrator counters.
type Stats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Errored   int64 `json:"errored"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current orchestrator statistics.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Stats{
		Active:    o.active,
		Completed: o.completed,
		Failed:    o.failed,
		Errored:   o.errored,
		MaxSlots:  o.config.MaxConcurrent,
		FreeSlots: o.config.MaxConcurrent - len(o.sem),
	}
}
