package api

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/covenant-labs/covenant/internal/domain"
)

// handleUploadEvidence relays a multipart video to the evidence service.
// With a commitment_id field the returned evidence id is also submitted as
// that commitment's proof, on behalf of the caller.
// POST /v1/evidence
func (s *Server) handleUploadEvidence(w http.ResponseWriter, r *http.Request) {
	if s.uploader == nil {
		writeError(w, r, http.StatusServiceUnavailable, "evidence_disabled", "evidence upload is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	mr, err := r.MultipartReader()
	if err != nil {
		s.writeDomainError(w, r, &badRequest{msg: "expected multipart/form-data: " + err.Error()})
		return
	}

	// Fields before the file part are read first; the file is streamed.
	var commitmentField string
	for {
		part, err := mr.NextPart()
		if err != nil {
			s.writeDomainError(w, r, &badRequest{msg: "no file uploaded, provide a video in the \"file\" field"})
			return
		}
		switch part.FormName() {
		case "commitment_id":
			raw, _ := io.ReadAll(io.LimitReader(part, 32))
			commitmentField = strings.TrimSpace(string(raw))
			part.Close()
			continue
		case "file":
		default:
			part.Close()
			continue
		}

		var id *uint64
		if commitmentField != "" {
			v, err := strconv.ParseUint(commitmentField, 10, 64)
			if err != nil {
				part.Close()
				s.writeDomainError(w, r, &badRequest{msg: "commitment_id must be a non-negative integer"})
				return
			}
			// Reject early so a foreign or resolved commitment costs no upload.
			c, err := s.engine.Get(v)
			if err != nil {
				part.Close()
				s.writeDomainError(w, r, err)
				return
			}
			if c.Owner != caller(r) {
				part.Close()
				s.writeDomainError(w, r, domain.ErrNotAuthorized)
				return
			}
			if c.Status != domain.StatusActive {
				part.Close()
				s.writeDomainError(w, r, fmt.Errorf("%w: commitment %d is %s", domain.ErrAlreadyResolved, v, c.Status))
				return
			}
			id = &v
		}

		name := filepath.Base(part.FileName())
		if name == "." || name == "/" || name == "" {
			name = "evidence"
		}
		evidenceID, err := s.uploader.Upload(r.Context(), name, part)
		part.Close()
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}

		resp := map[string]any{"evidence_id": evidenceID}
		if id != nil {
			if err := s.engine.SubmitProof(r.Context(), caller(r), *id, evidenceID); err != nil {
				s.writeDomainError(w, r, err)
				return
			}
			resp["commitment_id"] = *id
		}
		writeJSON(w, http.StatusCreated, resp)
		return
	}
}
