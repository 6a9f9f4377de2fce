package api

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/covenant-labs/covenant/internal/app/custody"
	"github.com/covenant-labs/covenant/internal/domain"
)

// ─── Commitment API ─────────────────────────────────────────────────────────
//
// POST /v1/commitments                create (Idempotency-Key aware)
// GET  /v1/commitments/{id}           read one commitment
// GET  /v1/commitments/{id}/entries   custody ledger entries
// POST /v1/commitments/{id}/proof     owner submits evidence reference
// POST /v1/commitments/{id}/resolve   resolver finalizes
// POST /v1/commitments/{id}/verify    run the verifier on the evidence
// GET  /v1/principals/{addr}/commitments
// GET  /v1/principals/{addr}/balances/{asset}

type commitmentView struct {
	ID                 uint64     `json:"id"`
	Owner              string     `json:"owner"`
	Description        string     `json:"description"`
	Deadline           time.Time  `json:"deadline"`
	Beneficiary        string     `json:"beneficiary"`
	Asset              string     `json:"asset"`
	StakeAmount        string     `json:"stake_amount"`
	StakeDisplay       string     `json:"stake_display,omitempty"`
	ProofReference     string     `json:"proof_reference"`
	Status             string     `json:"status"`
	Verified           bool       `json:"verified"`
	VerificationReason string     `json:"verification_reason"`
	Expired            bool       `json:"expired"`
	CreatedAt          time.Time  `json:"created_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
}

func (s *Server) commitmentView(c domain.Commitment) commitmentView {
	v := commitmentView{
		ID:                 c.ID,
		Owner:              c.Owner.Hex(),
		Description:        c.Description,
		Deadline:           c.Deadline,
		Beneficiary:        c.Beneficiary.Hex(),
		Asset:              c.Asset.Hex(),
		StakeAmount:        c.StakeAmount.String(),
		ProofReference:     c.ProofReference,
		Status:             c.Status.String(),
		Verified:           c.Verified,
		VerificationReason: c.VerificationReason,
		Expired:            c.Status == domain.StatusActive && c.Expired(s.engine.Now()),
		CreatedAt:          c.CreatedAt,
	}
	if meta, ok := s.assets[c.Asset]; ok {
		v.StakeDisplay = domain.FormatAmount(c.StakeAmount, meta.Decimals) + " " + meta.Symbol
	}
	if !c.ResolvedAt.IsZero() {
		at := c.ResolvedAt
		v.ResolvedAt = &at
	}
	return v
}

type createRequest struct {
	Description       string `json:"description"`
	Deadline          string `json:"deadline"`
	Beneficiary       string `json:"beneficiary"`
	Asset             string `json:"asset"`
	StakeAmount       string `json:"stake_amount"`
	TransferredAmount string `json:"transferred_amount"`
}

func (req createRequest) toCustody(owner domain.Principal) (custody.CreateRequest, error) {
	deadline, err := time.Parse(time.RFC3339, strings.TrimSpace(req.Deadline))
	if err != nil {
		return custody.CreateRequest{}, &badRequest{msg: "deadline must be RFC 3339: " + err.Error()}
	}
	beneficiary, err := domain.ParsePrincipal(req.Beneficiary)
	if err != nil {
		return custody.CreateRequest{}, err
	}
	asset, err := domain.ParseAssetID(req.Asset)
	if err != nil {
		return custody.CreateRequest{}, err
	}
	stake, err := domain.ParseAmount(req.StakeAmount)
	if err != nil {
		return custody.CreateRequest{}, err
	}
	var transferred *big.Int
	if strings.TrimSpace(req.TransferredAmount) != "" {
		if transferred, err = domain.ParseAmount(req.TransferredAmount); err != nil {
			return custody.CreateRequest{}, err
		}
	}
	return custody.CreateRequest{
		Owner:       owner,
		Description: req.Description,
		Deadline:    deadline,
		Beneficiary: beneficiary,
		Asset:       asset,
		StakeAmount: stake,
		Transferred: transferred,
	}, nil
}

// handleCreateCommitment opens a commitment owned by the caller.
// POST /v1/commitments
func (s *Server) handleCreateCommitment(w http.ResponseWriter, r *http.Request) {
	owner := caller(r)

	var body createRequest
	if err := readJSON(w, r, &body); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	req, err := body.toCustody(owner)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && s.idem != nil {
		key = owner.Hex() + ":" + key
		id, done, err := s.idem.Begin(r.Context(), key)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if done {
			s.writeCommitment(w, r, http.StatusOK, id, true)
			return
		}
	} else {
		key = ""
	}

	id, err := s.engine.Create(r.Context(), req)
	if err != nil {
		if key != "" {
			if aerr := s.idem.Abort(r.Context(), key); aerr != nil {
				s.log.Warn("idempotency abort failed", "key", key, "error", aerr)
			}
		}
		s.writeDomainError(w, r, err)
		return
	}
	if key != "" {
		if cerr := s.idem.Complete(r.Context(), key, id); cerr != nil {
			s.log.Warn("idempotency record failed", "key", key, "id", id, "error", cerr)
		}
	}
	s.writeCommitment(w, r, http.StatusCreated, id, false)
}

func (s *Server) writeCommitment(w http.ResponseWriter, r *http.Request, status int, id uint64, replayed bool) {
	c, err := s.engine.Get(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, status, map[string]any{
		"id":         id,
		"commitment": s.commitmentView(c),
		"replayed":   replayed,
	})
}

// handleGetCommitment returns one commitment.
// GET /v1/commitments/{id}
func (s *Server) handleGetCommitment(w http.ResponseWriter, r *http.Request) {
	id, err := commitmentID(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	c, err := s.engine.Get(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.commitmentView(c))
}

type entryView struct {
	Seq         int64     `json:"seq"`
	TxID        string    `json:"tx_id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	EntryType   string    `json:"entry_type"`
	Account     string    `json:"account"`
	Asset       string    `json:"asset"`
	Amount      string    `json:"amount"`
	Description string    `json:"description,omitempty"`
}

// handleEntries returns the custody ledger entries of a commitment.
// GET /v1/commitments/{id}/entries
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	id, err := commitmentID(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	entries, err := s.engine.Entries(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView{
			Seq:         e.Seq,
			TxID:        e.TxID,
			Timestamp:   e.Timestamp,
			Type:        string(e.Type),
			EntryType:   string(e.EntryType),
			Account:     e.Account,
			Asset:       e.Asset.Hex(),
			Amount:      e.Amount.String(),
			Description: e.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"commitment_id": id, "entries": out})
}

// handleSubmitProof records an evidence reference. Owner only.
// POST /v1/commitments/{id}/proof
func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	id, err := commitmentID(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var body struct {
		ProofReference string `json:"proof_reference"`
	}
	if err := readJSON(w, r, &body); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.engine.SubmitProof(r.Context(), caller(r), id, body.ProofReference); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.writeCommitment(w, r, http.StatusOK, id, false)
}

// handleResolve finalizes a commitment. Resolver only.
// POST /v1/commitments/{id}/resolve
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := commitmentID(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var body struct {
		Verified *bool  `json:"verified"`
		Reason   string `json:"reason"`
	}
	if err := readJSON(w, r, &body); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if body.Verified == nil {
		s.writeDomainError(w, r, &badRequest{msg: `"verified" is required`})
		return
	}
	c, err := s.engine.Resolve(r.Context(), caller(r), id, *body.Verified, body.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.commitmentView(c))
}

// handleVerify runs the verifier on a commitment's evidence. The owner or the
// resolver may trigger it; the verifier resolves with its own identity. An
// evidence_id from the owner is recorded as the proof first, so the resolved
// commitment names what was judged. Anyone else may only name the recorded one.
// POST /v1/commitments/{id}/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, r, http.StatusServiceUnavailable, "verifier_disabled", "verification is not configured")
		return
	}
	id, err := commitmentID(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var body struct {
		EvidenceID string `json:"evidence_id"`
		Async      bool   `json:"async"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &body); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}

	c, err := s.engine.Get(id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	who := caller(r)
	if who != c.Owner && who != s.engine.Resolver() {
		writeError(w, r, http.StatusForbidden, "not_authorized", "only the owner or the resolver may request verification")
		return
	}
	body.EvidenceID = strings.TrimSpace(body.EvidenceID)
	if body.EvidenceID != "" && body.EvidenceID != c.ProofReference && who == c.Owner {
		if err := s.engine.SubmitProof(r.Context(), who, id, body.EvidenceID); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}

	if body.Async {
		if err := s.verifier.Submit(r.Context(), id, body.EvidenceID); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "verifying"})
		return
	}
	resolved, err := s.verifier.Verify(r.Context(), id, body.EvidenceID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.commitmentView(resolved))
}

// handleListByOwner lists a principal's commitment IDs in creation order.
// GET /v1/principals/{addr}/commitments
func (s *Server) handleListByOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := domain.ParsePrincipal(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner": owner.Hex(),
		"ids":   s.engine.ListByOwner(owner),
	})
}

// handleBalance returns what a principal has been paid out in an asset.
// GET /v1/principals/{addr}/balances/{asset}
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	p, err := domain.ParsePrincipal(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	asset, err := domain.ParseAssetID(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	bal := s.engine.BalanceOf(p, asset)
	resp := map[string]any{
		"principal": p.Hex(),
		"asset":     asset.Hex(),
		"balance":   bal.String(),
	}
	if meta, ok := s.assets[asset]; ok {
		resp["display"] = domain.FormatAmount(bal, meta.Decimals) + " " + meta.Symbol
	}
	writeJSON(w, http.StatusOK, resp)
}

func commitmentID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &badRequest{msg: "commitment id must be a non-negative integer: " + raw}
	}
	return id, nil
}
