package api

import (
	"net/http"

	"node-emissions/pkg/model"
)

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Store.ListNodes()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req NodeRegistrationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" || req.OwnerID == "" {
		writeMessage(w, http.StatusBadRequest, "id and ownerId are required")
		return
	}
	tier, err := model.ParseTier(req.Tier)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	node := model.Node{ID: req.ID, OwnerID: req.OwnerID, Tier: tier}
	if req.CreatedAt != nil {
		node.CreatedAt = req.CreatedAt.UTC()
	}
	saved, err := s.Store.UpsertNode(node)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.audit(model.AuditEntry{
		Actor:     actor(r),
		Action:    "register",
		Target:    saved.ID,
		Detail:    "owner=" + saved.OwnerID + " tier=" + string(saved.Tier),
		Timestamp: s.now(),
	})
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListTelemetry(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListTelemetry()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var req TelemetryReport
	if !decode(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		writeMessage(w, http.StatusBadRequest, "nodeId is required")
		return
	}
	if req.UptimePct < 0 || req.UptimePct > 100 {
		writeMessage(w, http.StatusBadRequest, "uptimePct must be within [0,100]")
		return
	}
	node, ok, err := s.Store.GetNode(req.NodeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeMessage(w, http.StatusNotFound, "unknown node "+req.NodeID)
		return
	}
	params, ok := s.governance(w, r)
	if !ok {
		return
	}
	observed := s.now()
	if req.ObservedAt != nil {
		observed = req.ObservedAt.UTC()
	}
	summary := model.DeriveTelemetry(node, req.UptimePct, params, observed)
	if err := s.Store.SaveTelemetry(summary); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListWallets()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleSaveWallet(w http.ResponseWriter, r *http.Request) {
	var req model.Wallet
	if !decode(w, r, &req) {
		return
	}
	if req.OwnerID == "" || req.Address == "" {
		writeMessage(w, http.StatusBadRequest, "ownerId and address are required")
		return
	}
	if err := s.Store.SaveWallet(req); err != nil {
		writeError(w, r, err)
		return
	}
	s.audit(model.AuditEntry{
		Actor:     actor(r),
		Action:    "wallet",
		Target:    req.OwnerID,
		Detail:    "address=" + req.Address,
		Timestamp: s.now(),
	})
	writeJSON(w, http.StatusOK, req)
}
