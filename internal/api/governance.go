package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/covenant-labs/covenant/internal/domain"
)

// ─── Governance API ─────────────────────────────────────────────────────────
//
// GET  /v1/resolver           current resolver principal
// POST /v1/resolver/transfer  hand the resolver role to another principal
// GET  /v1/assets             accepted assets with custody balances
// POST /v1/assets             register an asset (resolver only)
// GET  /v1/assets/{asset}     one asset

type assetView struct {
	Asset     string `json:"asset"`
	Symbol    string `json:"symbol,omitempty"`
	Decimals  int32  `json:"decimals"`
	Supported bool   `json:"supported"`
	Custody   string `json:"custody"`
	Display   string `json:"custody_display,omitempty"`
}

func (s *Server) assetView(row domain.AssetState) assetView {
	v := assetView{
		Asset:     row.Asset.Hex(),
		Supported: row.Supported,
		Custody:   row.Custody.String(),
	}
	if meta, ok := s.assets[row.Asset]; ok {
		v.Symbol = meta.Symbol
		v.Decimals = meta.Decimals
		v.Display = domain.FormatAmount(row.Custody, meta.Decimals) + " " + meta.Symbol
	}
	return v
}

func (s *Server) handleGetResolver(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"resolver": s.engine.Resolver().Hex()})
}

func (s *Server) handleTransferResolver(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewResolver string `json:"new_resolver"`
	}
	if err := readJSON(w, r, &body); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	next, err := domain.ParsePrincipal(body.NewResolver)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.engine.TransferOwnership(r.Context(), caller(r), next); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"resolver": s.engine.Resolver().Hex()})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	rows := s.engine.Assets()
	out := make([]assetView, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.assetView(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": out})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := domain.ParseAssetID(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.assetView(domain.AssetState{
		Asset:     asset,
		Supported: s.engine.IsAccepted(asset),
		Custody:   s.engine.CustodyBalance(asset),
	}))
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Asset string `json:"asset"`
	}
	if err := readJSON(w, r, &body); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	asset, err := domain.ParseAssetID(body.Asset)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.engine.RegisterAsset(r.Context(), caller(r), asset); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.assetView(domain.AssetState{
		Asset:     asset,
		Supported: true,
		Custody:   s.engine.CustodyBalance(asset),
	}))
}
