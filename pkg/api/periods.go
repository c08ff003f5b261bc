package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"node-emissions/pkg/model"
	"node-emissions/pkg/settlement"
)

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	period, ok := periodVar(w, r)
	if !ok {
		return
	}
	c, err := s.Settlement.Settle(r.Context(), period, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCommitment(w http.ResponseWriter, r *http.Request) {
	period, ok := periodVar(w, r)
	if !ok {
		return
	}
	c, ok, err := s.Store.GetCommitment(period)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, settlement.ErrNotSettled)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	period, ok := periodVar(w, r)
	if !ok {
		return
	}
	if _, ok, err := s.Store.GetCommitment(period); err != nil {
		writeError(w, r, err)
		return
	} else if !ok {
		writeError(w, r, settlement.ErrNotSettled)
		return
	}
	entries, err := s.Store.ListLedger(period)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	period, ok := periodVar(w, r)
	if !ok {
		return
	}
	p, err := s.Settlement.ClaimProof(r.Context(), period, mux.Vars(r)["nodeId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	period, ok := periodVar(w, r)
	if !ok {
		return
	}
	var req ClaimRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	entry, err := s.Settlement.Claim(r.Context(), period, mux.Vars(r)["nodeId"], req.Ref, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleVerifyProof checks a proof against the root committed for its
// period. Unsettled periods are 404; a proof that does not verify is
// reported as invalid.
func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	var p model.ClaimProof
	if !decode(w, r, &p) {
		return
	}
	resp := map[string]interface{}{"valid": true}
	if err := s.Settlement.VerifyClaimProof(r.Context(), p); err != nil {
		if !errors.Is(err, settlement.ErrInvalidProof) {
			writeError(w, r, err)
			return
		}
		resp["valid"] = false
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
