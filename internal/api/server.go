// Package api provides the HTTP server for Covenant.
//
// Reads are public. Mutations require a bearer token identifying the caller
// principal; the custody engine then decides what that principal may do.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/covenant-labs/covenant/internal/app/custody"
	"github.com/covenant-labs/covenant/internal/app/verifier"
	"github.com/covenant-labs/covenant/internal/auth"
	"github.com/covenant-labs/covenant/internal/domain"
	"github.com/covenant-labs/covenant/internal/infra/idempotency"
	"github.com/covenant-labs/covenant/internal/infra/observability"
)

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 1 << 20

// AssetMeta is display metadata for an asset.
type AssetMeta struct {
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

// Deps are the services the server exposes. Verifier, Sweeper, Uploader and
// Idempotency are optional; their routes answer 503 when unset.
type Deps struct {
	Engine      *custody.Engine
	Auth        auth.Authenticator
	Verifier    *verifier.Orchestrator
	Sweeper     *verifier.Sweeper
	Uploader    domain.EvidenceUploader
	Idempotency idempotency.Store
	Assets      map[domain.AssetID]AssetMeta
	Logger      *slog.Logger
}

// Server is the Covenant HTTP API server.
type Server struct {
	engine   *custody.Engine
	auth     auth.Authenticator
	verifier *verifier.Orchestrator
	sweeper  *verifier.Sweeper
	uploader domain.EvidenceUploader
	idem     idempotency.Store
	assets   map[domain.AssetID]AssetMeta
	log      *slog.Logger

	metricsEnabled bool
	limiter        *RateLimiter
	maxUpload      int64
}

// NewServer creates a new API server.
func NewServer(d Deps) *Server {
	assets := d.Assets
	if assets == nil {
		assets = make(map[domain.AssetID]AssetMeta)
	}
	return &Server{
		engine:    d.Engine,
		auth:      d.Auth,
		verifier:  d.Verifier,
		sweeper:   d.Sweeper,
		uploader:  d.Uploader,
		idem:      d.Idempotency,
		assets:    assets,
		log:       observability.Component(d.Logger, "api"),
		maxUpload: 512 << 20,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetRateLimiter enables per-IP rate limiting.
func (s *Server) SetRateLimiter(rl *RateLimiter) { s.limiter = rl }

// SetMaxUpload caps evidence upload size in bytes.
func (s *Server) SetMaxUpload(n int64) {
	if n > 0 {
		s.maxUpload = n
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)
	r.Use(metricsMiddleware)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/health", s.handleHealth)
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		// Public reads.
		r.Get("/resolver", s.handleGetResolver)
		r.Get("/assets", s.handleListAssets)
		r.Get("/assets/{asset}", s.handleGetAsset)
		r.Get("/commitments/{id}", s.handleGetCommitment)
		r.Get("/commitments/{id}/entries", s.handleEntries)
		r.Get("/principals/{addr}/commitments", s.handleListByOwner)
		r.Get("/principals/{addr}/balances/{asset}", s.handleBalance)

		// Authenticated mutations.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/resolver/transfer", s.handleTransferResolver)
			r.Post("/assets", s.handleRegisterAsset)
			r.Post("/commitments", s.handleCreateCommitment)
			r.Post("/commitments/{id}/proof", s.handleSubmitProof)
			r.Post("/commitments/{id}/resolve", s.handleResolve)
			r.Post("/commitments/{id}/verify", s.handleVerify)
			r.Post("/evidence", s.handleUploadEvidence)
			r.Post("/sweep", s.handleSweep)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"commitments": s.engine.Count(),
		"active":      len(s.engine.Active()),
	}
	if s.verifier != nil {
		resp["verifier"] = s.verifier.Stats()
	}
	if s.sweeper != nil {
		resp["sweeper_pending"] = s.sweeper.Pending()
		if next, ok := s.sweeper.NextDue(); ok {
			resp["sweeper_next_due"] = next
		}
	}
	if err := s.engine.CheckConservation(); err != nil {
		resp["status"] = "degraded"
		resp["integrity"] = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSweep runs one expiry sweep immediately. Resolver only.
// POST /v1/sweep
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, r, http.StatusServiceUnavailable, "sweeper_disabled", "the expiry sweeper is not configured")
		return
	}
	if caller(r) != s.engine.Resolver() {
		s.writeDomainError(w, r, domain.ErrNotAuthorized)
		return
	}
	ids, err := s.sweeper.Sweep(r.Context())
	if ids == nil {
		ids = []uint64{}
	}
	if err != nil {
		s.log.Warn("sweep incomplete", "resolved", len(ids), "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"resolved": ids, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": ids})
}

// ─── JSON Helpers ───────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes a bounded JSON body, rejecting unknown fields.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &badRequest{msg: "invalid JSON body: " + err.Error()}
	}
	return nil
}

// writeError writes {"error":{"code","message"},"request_id"}.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"request_id": middleware.GetReqID(r.Context()),
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	})
}

// badRequest is a request-shape error raised by the API layer itself.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

// writeDomainError maps err onto a status and stable error code.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= 500 {
		s.log.Error("request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	writeError(w, r, status, code, err.Error())
}

func errorStatus(err error) (int, string) {
	var br *badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, "bad_request"
	case domain.IsIntegrityFault(err):
		return http.StatusInternalServerError, "integrity_fault"
	case errors.Is(err, domain.ErrInvalidStake):
		return http.StatusBadRequest, "invalid_stake"
	case errors.Is(err, domain.ErrUnsupportedAsset):
		return http.StatusBadRequest, "unsupported_asset"
	case errors.Is(err, domain.ErrEmptyProof):
		return http.StatusBadRequest, "empty_proof"
	case errors.Is(err, domain.ErrInvalidPrincipal):
		return http.StatusBadRequest, "invalid_principal"
	case errors.Is(err, domain.ErrEvidenceRejected):
		return http.StatusBadRequest, "evidence_rejected"
	case errors.Is(err, auth.ErrMissingBearer), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, domain.ErrNotCurrentOwner):
		return http.StatusForbidden, "not_current_owner"
	case errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, domain.ErrProofMismatch):
		return http.StatusConflict, "proof_mismatch"
	case errors.Is(err, domain.ErrProofSubmitted), errors.Is(err, domain.ErrNotExpired):
		return http.StatusConflict, "not_expirable"
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, domain.ErrEvidenceUnavailable):
		return http.StatusBadGateway, "evidence_unavailable"
	case errors.Is(err, domain.ErrVerifierUnavailable):
		return http.StatusBadGateway, "verifier_unavailable"
	case errors.Is(err, verifier.ErrAtCapacity):
		return http.StatusServiceUnavailable, "at_capacity"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
