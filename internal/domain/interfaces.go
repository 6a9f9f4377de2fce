package domain

import (
	"context"
	"io"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Journal persists custody changes. Apply must be all-or-nothing: when it
// returns an error, none of the change is durable.
type Journal interface {
	Apply(ctx context.Context, ch Change) error
	Load(ctx context.Context) (Snapshot, error)
}

// Verdict is the external judgment on a piece of evidence.
type Verdict struct {
	Verified       bool   `json:"verified"`
	SubjectPresent bool   `json:"user_present"`
	Rationale      string `json:"comments"`
}

// VerificationGateway judges whether evidence satisfies a commitment description.
type VerificationGateway interface {
	Verify(ctx context.Context, evidenceID, description string) (Verdict, error)
}

// EvidenceUploader stores a media payload and returns an opaque evidence ID.
// Failures are ErrEvidenceUnavailable or ErrEvidenceRejected, never ErrEmptyProof.
type EvidenceUploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}
