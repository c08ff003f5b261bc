package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"node-emissions/pkg/amount"
	"node-emissions/pkg/bounty"
	"node-emissions/pkg/model"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeMessage(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.Weight == 0 {
		req.Weight = amount.One
	}
	now := s.now()
	task := model.Task{
		ID:        uuid.NewString(),
		Wallet:    req.Wallet,
		Type:      req.Type,
		Weight:    req.Weight,
		Status:    model.TaskOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if task.Wallet != "" {
		task.Status = model.TaskAssigned
	}
	if err := s.Store.SaveTask(task); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// loadTask fetches the {id} task, answering 404 when it does not exist.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (model.Task, bool) {
	id := mux.Vars(r)["id"]
	task, ok, err := s.Store.GetTask(id)
	if err != nil {
		writeError(w, r, err)
		return task, false
	}
	if !ok {
		writeMessage(w, http.StatusNotFound, "unknown task "+id)
		return task, false
	}
	return task, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Wallet string `json:"wallet"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Wallet == "" {
		writeMessage(w, http.StatusBadRequest, "wallet is required")
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status != model.TaskOpen && task.Status != model.TaskAssigned {
		writeMessage(w, http.StatusConflict, "task is "+string(task.Status))
		return
	}
	task.Wallet = req.Wallet
	task.Status = model.TaskAssigned
	task.UpdatedAt = s.now()
	if err := s.Store.SaveTask(task); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	var req EvidenceRequest
	if !decode(w, r, &req) {
		return
	}
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status != model.TaskAssigned && task.Status != model.TaskInProgress {
		writeMessage(w, http.StatusConflict, "task is "+string(task.Status))
		return
	}
	task.Evidence = model.Evidence{Reference: req.Reference, Description: req.Description}
	task.Status = model.TaskInProgress
	task.UpdatedAt = s.now()
	if err := s.Store.SaveTask(task); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleVerifyTask evaluates the task and books any award into the period
// that is current now.
func (s *Server) handleVerifyTask(w http.ResponseWriter, r *http.Request) {
	if s.Verifier == nil {
		writeMessage(w, http.StatusServiceUnavailable, "verifier not configured")
		return
	}
	params, ok := s.governance(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	task, award, err := s.Verifier.Process(r.Context(), params.PeriodAt(s.now()), params.BountyBaseRate, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Task: task, Award: award})
}

func (s *Server) handleRecordBounty(w http.ResponseWriter, r *http.Request) {
	var req BountyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Wallet == "" || req.Amount == 0 {
		writeMessage(w, http.StatusBadRequest, "wallet and a positive amount are required")
		return
	}
	if _, ok, err := s.Store.GetCommitment(req.Period); err != nil {
		writeError(w, r, err)
		return
	} else if ok {
		writeError(w, r, bounty.ErrPeriodClosed)
		return
	}
	award := model.BountyAward{
		ID:        uuid.NewString(),
		Period:    req.Period,
		Wallet:    req.Wallet,
		TaskID:    req.TaskID,
		Amount:    req.Amount,
		CreatedAt: s.now(),
	}
	if err := s.Store.SaveBounty(award); err != nil {
		writeError(w, r, err)
		return
	}
	s.audit(model.AuditEntry{
		Actor:     actor(r),
		Action:    "bounty",
		Target:    award.Wallet,
		Detail:    "period=" + strconv.FormatUint(award.Period, 10) + " amount=" + award.Amount.String(),
		Timestamp: award.CreatedAt,
	})
	writeJSON(w, http.StatusCreated, award)
}

func (s *Server) handleListBounties(w http.ResponseWriter, r *http.Request) {
	period, ok := periodVar(w, r)
	if !ok {
		return
	}
	items, err := s.Store.ListBounties(period)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}
