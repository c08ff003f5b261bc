package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"node-emissions/pkg/bounty"
	"node-emissions/pkg/logger"
	"node-emissions/pkg/metrics"
	"node-emissions/pkg/model"
	"node-emissions/pkg/registry"
	"node-emissions/pkg/settlement"
	"node-emissions/pkg/store"
)

// Server exposes the engine over HTTP. Hub and Metrics are optional.
type Server struct {
	Store      store.Store
	Settlement *settlement.Service
	Verifier   *bounty.Verifier
	Hub        *AlertHub
	Metrics    *metrics.Exporter

	// Token is a static bootstrap token; Operators maps operator names to
	// bcrypt hashes for /auth/login. With neither set the API is open.
	Token     string
	Operators map[string]string
	TokenTTL  time.Duration

	Now func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Router wires every route on a fresh gorilla router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	v1.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes", s.operator(s.handleRegisterNode)).Methods(http.MethodPost)
	v1.HandleFunc("/telemetry", s.handleListTelemetry).Methods(http.MethodGet)
	v1.HandleFunc("/telemetry", s.operator(s.handleTelemetry)).Methods(http.MethodPost)
	v1.HandleFunc("/wallets", s.handleListWallets).Methods(http.MethodGet)
	v1.HandleFunc("/wallets", s.operator(s.handleSaveWallet)).Methods(http.MethodPost)
	v1.HandleFunc("/governance", s.handleGetGovernance).Methods(http.MethodGet)
	v1.HandleFunc("/governance", s.operator(s.handlePutGovernance)).Methods(http.MethodPut)

	v1.HandleFunc("/tasks", s.operator(s.handleCreateTask)).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{id}/assign", s.operator(s.handleAssignTask)).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}/evidence", s.operator(s.handleSubmitEvidence)).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}/verify", s.operator(s.handleVerifyTask)).Methods(http.MethodPost)
	v1.HandleFunc("/bounties", s.operator(s.handleRecordBounty)).Methods(http.MethodPost)

	v1.HandleFunc("/periods/{period:[0-9]+}/bounties", s.handleListBounties).Methods(http.MethodGet)
	v1.HandleFunc("/periods/{period:[0-9]+}/settle", s.operator(s.handleSettle)).Methods(http.MethodPost)
	v1.HandleFunc("/periods/{period:[0-9]+}/commitment", s.handleCommitment).Methods(http.MethodGet)
	v1.HandleFunc("/periods/{period:[0-9]+}/ledger", s.handleLedger).Methods(http.MethodGet)
	v1.HandleFunc("/periods/{period:[0-9]+}/proofs/{nodeId}", s.handleProof).Methods(http.MethodGet)
	v1.HandleFunc("/periods/{period:[0-9]+}/claims/{nodeId}", s.operator(s.handleClaim)).Methods(http.MethodPost)
	v1.HandleFunc("/proofs/verify", s.handleVerifyProof).Methods(http.MethodPost)

	v1.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/audit", s.operator(s.handleAudit)).Methods(http.MethodGet)
	if s.Hub != nil {
		v1.HandleFunc("/ws/alerts", s.Hub.HandleAlerts)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.Store.Ping(); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Named("api").Warn("failed to write response", zap.Error(err))
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidParams),
		errors.Is(err, settlement.ErrInvalidProof):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, settlement.ErrNotFound),
		errors.Is(err, settlement.ErrNotSettled),
		errors.Is(err, bounty.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrPeriodSettled),
		errors.Is(err, settlement.ErrAlreadyClaimed),
		errors.Is(err, settlement.ErrPeriodOpen),
		errors.Is(err, settlement.ErrScheduleLocked),
		errors.Is(err, store.ErrNodeImmutable),
		errors.Is(err, bounty.ErrTaskNotPending),
		errors.Is(err, bounty.ErrPeriodClosed),
		errors.Is(err, registry.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrNoGovernance):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// audit appends e to the audit trail; a failed write is logged, not
// returned, since the mutation it records has already happened.
func (s *Server) audit(e model.AuditEntry) {
	if err := s.Store.AppendAudit(e); err != nil {
		logger.Named("api").Warn("append audit failed", zap.String("action", e.Action), zap.String("target", e.Target), zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Named("api").Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeMessage(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	return true
}

func periodVar(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	p, err := strconv.ParseUint(mux.Vars(r)["period"], 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid period")
		return 0, false
	}
	return p, true
}

// governance loads the current params, answering 412 when none are set.
func (s *Server) governance(w http.ResponseWriter, r *http.Request) (model.GovernanceParams, bool) {
	p, ok, err := s.Store.GetGovernance()
	if err != nil {
		writeError(w, r, err)
		return p, false
	}
	if !ok {
		writeError(w, r, settlement.ErrNoGovernance)
		return p, false
	}
	return p, true
}
