package api

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"node-emissions/pkg/logger"
	"node-emissions/pkg/model"
	"node-emissions/pkg/settlement"
	"node-emissions/pkg/version"
)

func (s *Server) handleGetGovernance(w http.ResponseWriter, r *http.Request) {
	p, ok := s.governance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePutGovernance replaces the parameter record. Settled periods keep
// the values they were computed with; the period schedule itself is frozen
// once anything has been settled.
func (s *Server) handlePutGovernance(w http.ResponseWriter, r *http.Request) {
	var p model.GovernanceParams
	if !decode(w, r, &p) {
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	if err := settlement.CheckSchedule(s.Store, p); err != nil {
		writeError(w, r, err)
		return
	}
	p.UpdatedAt = s.now()
	if err := s.Store.SaveGovernance(p); err != nil {
		writeError(w, r, err)
		return
	}
	s.audit(model.AuditEntry{
		Actor:     actor(r),
		Action:    "governance",
		Target:    "params",
		Detail:    fmt.Sprintf("pool=%s baseRate=%s period=%s dampener=%v", p.PoolSize, p.BountyBaseRate, p.PeriodLength, p.Dampener),
		Timestamp: p.UpdatedAt,
	})
	logger.Named("api").Info("governance updated", zap.String("actor", actor(r)), zap.Stringer("pool", p.PoolSize))
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.governance(w, r)
	if !ok {
		return
	}
	now := s.now()
	st := PeriodStatus{Current: p.PeriodAt(now), Version: version.String()}
	if last, ok := settlement.LastCompleted(p, now); ok {
		st.LastCompleted = &last
	}
	c, ok, err := s.Store.LatestCommitment()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ok {
		st.Latest = &c
	}
	writeJSON(w, http.StatusOK, st)
}
