package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"node-emissions/pkg/amount"
	"node-emissions/pkg/auth"
	"node-emissions/pkg/bounty"
	"node-emissions/pkg/merkle"
	"node-emissions/pkg/metrics"
	"node-emissions/pkg/model"
	"node-emissions/pkg/registry"
	"node-emissions/pkg/risk"
	"node-emissions/pkg/settlement"
	"node-emissions/pkg/store"
)

var genesis = model.DefaultGovernance().Genesis

// now sits one hour into period 3, so period 2 is the last completed one.
func clock() time.Time { return genesis.Add(73 * time.Hour) }

func testServer(t *testing.T) (*Server, *mux.Router) {
	st := store.NewMemoryStore()
	reg, err := registry.NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	exp := metrics.NewExporter("test")
	s := &Server{
		Store:      st,
		Settlement: &settlement.Service{Store: st, Registry: reg, Metrics: exp, Now: clock},
		Verifier:   &bounty.Verifier{Store: st, Now: clock},
		Hub:        NewAlertHub(),
		Metrics:    exp,
		Now:        clock,
	}
	return s, s.Router()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), v), res.Body.String())
}

// seedNetwork registers four top-tier nodes under one owner plus a base
// node, all passing their SLA.
func seedNetwork(t *testing.T, h http.Handler) {
	res := do(t, h, http.MethodPut, "/api/v1/governance", model.DefaultGovernance())
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	for i := 0; i < 4; i++ {
		created := genesis.Add(time.Duration(i) * time.Minute)
		res = do(t, h, http.MethodPost, "/api/v1/nodes", NodeRegistrationRequest{
			ID: fmt.Sprintf("whale-%d", i), OwnerID: "whale", Tier: "top", CreatedAt: &created,
		})
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
		res = do(t, h, http.MethodPost, "/api/v1/telemetry", TelemetryReport{NodeID: fmt.Sprintf("whale-%d", i), UptimePct: 99.9})
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	}
	res = do(t, h, http.MethodPost, "/api/v1/nodes", NodeRegistrationRequest{ID: "small", OwnerID: "minnow", Tier: "base"})
	require.Equal(t, http.StatusOK, res.Code)
	res = do(t, h, http.MethodPost, "/api/v1/telemetry", TelemetryReport{NodeID: "small", UptimePct: 96})
	require.Equal(t, http.StatusOK, res.Code)
	res = do(t, h, http.MethodPost, "/api/v1/wallets", model.Wallet{OwnerID: "minnow", Address: "w-minnow"})
	require.Equal(t, http.StatusOK, res.Code)
}

func TestHealthz(t *testing.T) {
	_, h := testServer(t)
	res := do(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "ok", res.Body.String())
}

func TestOperatorAuth(t *testing.T) {
	auth.SetSecret("api-test")
	defer auth.SetSecret("")

	s, _ := testServer(t)
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	s.Token = "boot"
	s.Operators = map[string]string{"alice": hash}
	h := s.Router()

	node := NodeRegistrationRequest{ID: "n1", OwnerID: "o1", Tier: "mid"}
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/v1/nodes", node).Code)
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/v1/nodes", node, "X-Auth-Token", "boox").Code)
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/v1/nodes", node, "X-Auth-Token", "boot2").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/nodes", node, "X-Auth-Token", "boot").Code)
	// Reads stay public.
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/nodes", nil).Code)

	res := do(t, h, http.MethodPost, "/api/v1/auth/login", LoginRequest{Username: "alice", Password: "wrong"})
	require.Equal(t, http.StatusUnauthorized, res.Code)
	res = do(t, h, http.MethodPost, "/api/v1/auth/login", LoginRequest{Username: "alice", Password: "hunter2"})
	require.Equal(t, http.StatusOK, res.Code)
	var login LoginResponse
	decodeBody(t, res, &login)
	require.NotEmpty(t, login.Token)

	res = do(t, h, http.MethodPost, "/api/v1/wallets", model.Wallet{OwnerID: "o1", Address: "w1"}, "Authorization", "Bearer "+login.Token)
	require.Equal(t, http.StatusOK, res.Code)

	viewer, err := auth.Generate("bob", "viewer", time.Hour)
	require.NoError(t, err)
	res = do(t, h, http.MethodPost, "/api/v1/wallets", model.Wallet{OwnerID: "o1", Address: "w2"}, "Authorization", "Bearer "+viewer)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	audit, err := s.Store.ListAudit(0)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "bootstrap", audit[0].Actor)
	assert.Equal(t, "alice", audit[1].Actor)
}

func TestTelemetryNeedsNodeAndGovernance(t *testing.T) {
	_, h := testServer(t)
	res := do(t, h, http.MethodPost, "/api/v1/nodes", NodeRegistrationRequest{ID: "n1", OwnerID: "o1", Tier: "top"})
	require.Equal(t, http.StatusOK, res.Code)

	res = do(t, h, http.MethodPost, "/api/v1/telemetry", TelemetryReport{NodeID: "n1", UptimePct: 99.5})
	require.Equal(t, http.StatusPreconditionFailed, res.Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/governance", model.DefaultGovernance()).Code)
	res = do(t, h, http.MethodPost, "/api/v1/telemetry", TelemetryReport{NodeID: "ghost", UptimePct: 99.5})
	require.Equal(t, http.StatusNotFound, res.Code)
	res = do(t, h, http.MethodPost, "/api/v1/telemetry", TelemetryReport{NodeID: "n1", UptimePct: 101})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = do(t, h, http.MethodPost, "/api/v1/telemetry", TelemetryReport{NodeID: "n1", UptimePct: 98})
	require.Equal(t, http.StatusOK, res.Code)
	var sum model.TelemetrySummary
	decodeBody(t, res, &sum)
	assert.False(t, sum.Passing)
	assert.Equal(t, model.StatusDegraded, sum.Status)

	res = do(t, h, http.MethodPost, "/api/v1/nodes", NodeRegistrationRequest{ID: "n2", OwnerID: "o1", Tier: "gold"})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestGovernanceValidation(t *testing.T) {
	_, h := testServer(t)
	require.Equal(t, http.StatusPreconditionFailed, do(t, h, http.MethodGet, "/api/v1/governance", nil).Code)

	bad := model.DefaultGovernance()
	bad.Dampener = []amount.PPM{500_000, amount.One}
	res := do(t, h, http.MethodPut, "/api/v1/governance", bad)
	require.Equal(t, http.StatusBadRequest, res.Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/governance", model.DefaultGovernance()).Code)
	res = do(t, h, http.MethodGet, "/api/v1/governance", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var got model.GovernanceParams
	decodeBody(t, res, &got)
	assert.Equal(t, amount.Units(1000), got.PoolSize)
	assert.True(t, got.UpdatedAt.Equal(clock()))

	res = do(t, h, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var st PeriodStatus
	decodeBody(t, res, &st)
	assert.Equal(t, uint64(3), st.Current)
	require.NotNil(t, st.LastCompleted)
	assert.Equal(t, uint64(2), *st.LastCompleted)
	assert.Nil(t, st.Latest)
}

func TestRegisteredNodeKeepsTierAndAge(t *testing.T) {
	_, h := testServer(t)
	created := genesis.Add(5 * time.Hour)
	res := do(t, h, http.MethodPost, "/api/v1/nodes", NodeRegistrationRequest{ID: "n", OwnerID: "o1", Tier: "top", CreatedAt: &created})
	require.Equal(t, http.StatusOK, res.Code)

	earlier := genesis
	res = do(t, h, http.MethodPost, "/api/v1/nodes", NodeRegistrationRequest{ID: "n", OwnerID: "o1", Tier: "base", CreatedAt: &earlier})
	require.Equal(t, http.StatusConflict, res.Code)
	res = do(t, h, http.MethodPost, "/api/v1/nodes", NodeRegistrationRequest{ID: "n", OwnerID: "o1", Tier: "top", CreatedAt: &earlier})
	require.Equal(t, http.StatusConflict, res.Code)

	res = do(t, h, http.MethodPost, "/api/v1/nodes", NodeRegistrationRequest{ID: "n", OwnerID: "o2", Tier: "top"})
	require.Equal(t, http.StatusOK, res.Code)
	var n model.Node
	decodeBody(t, res, &n)
	assert.Equal(t, "o2", n.OwnerID)
	assert.Equal(t, model.TierTop, n.Tier)
	assert.True(t, n.CreatedAt.Equal(created))
}

func TestScheduleFrozenAfterSettlement(t *testing.T) {
	_, h := testServer(t)
	seedNetwork(t, h)

	// Before anything is settled the schedule may still move.
	shifted := model.DefaultGovernance()
	shifted.PeriodLength = 12 * time.Hour
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/governance", shifted).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/governance", model.DefaultGovernance()).Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/periods/2/settle", nil).Code)

	res := do(t, h, http.MethodPut, "/api/v1/governance", shifted)
	require.Equal(t, http.StatusConflict, res.Code, res.Body.String())
	moved := model.DefaultGovernance()
	moved.Genesis = moved.Genesis.Add(-24 * time.Hour)
	require.Equal(t, http.StatusConflict, do(t, h, http.MethodPut, "/api/v1/governance", moved).Code)
	// Other parameters can still change.
	bigger := model.DefaultGovernance()
	bigger.PoolSize = amount.Units(2000)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/governance", bigger).Code)

	// The schedule in force is unchanged.
	res = do(t, h, http.MethodGet, "/api/v1/governance", nil)
	var got model.GovernanceParams
	decodeBody(t, res, &got)
	assert.Equal(t, 24*time.Hour, got.PeriodLength)
}

func TestSettleProveAndClaim(t *testing.T) {
	_, h := testServer(t)
	seedNetwork(t, h)

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/periods/2/commitment", nil).Code)
	require.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/v1/periods/3/settle", nil).Code)

	res := do(t, h, http.MethodPost, "/api/v1/periods/2/settle", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var c model.Commitment
	decodeBody(t, res, &c)
	assert.Equal(t, 5, c.LeafCount)
	assert.Equal(t, amount.Units(1000), c.TotalBase)

	require.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/v1/periods/2/settle", nil).Code)

	res = do(t, h, http.MethodGet, "/api/v1/periods/2/ledger", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var ledger []model.LedgerEntry
	decodeBody(t, res, &ledger)
	require.Len(t, ledger, 5)
	var sum amount.Amount
	for _, e := range ledger {
		sum += e.BaseReward
	}
	assert.Equal(t, amount.Units(1000), sum)

	res = do(t, h, http.MethodGet, "/api/v1/periods/2/proofs/whale-0", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var proof model.ClaimProof
	decodeBody(t, res, &proof)
	assert.Equal(t, c.Root, proof.Root)

	var verdict map[string]interface{}
	decodeBody(t, do(t, h, http.MethodPost, "/api/v1/proofs/verify", proof), &verdict)
	assert.Equal(t, true, verdict["valid"])
	tampered := proof
	tampered.TotalReward++
	decodeBody(t, do(t, h, http.MethodPost, "/api/v1/proofs/verify", tampered), &verdict)
	assert.Equal(t, false, verdict["valid"])
	selfRooted := model.ClaimProof{Period: 2, NodeID: "nobody", TotalReward: amount.Units(1),
		Root: merkle.LeafHash("nobody", amount.Units(1)).Hex()}
	verdict = map[string]interface{}{}
	decodeBody(t, do(t, h, http.MethodPost, "/api/v1/proofs/verify", selfRooted), &verdict)
	assert.Equal(t, false, verdict["valid"])
	selfRooted.Period = 40
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/proofs/verify", selfRooted).Code)

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/periods/2/proofs/ghost", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/periods/99999999999999999999/ledger", nil).Code)

	res = do(t, h, http.MethodPost, "/api/v1/periods/2/claims/whale-0", ClaimRequest{Ref: "tx-1"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var claimed model.LedgerEntry
	decodeBody(t, res, &claimed)
	assert.True(t, claimed.Claimed)
	assert.Equal(t, "tx-1", claimed.SettlementRef)
	require.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/v1/periods/2/claims/whale-0", nil).Code)

	res = do(t, h, http.MethodGet, "/api/v1/status", nil)
	var st PeriodStatus
	decodeBody(t, res, &st)
	require.NotNil(t, st.Latest)
	assert.Equal(t, uint64(2), st.Latest.Period)

	res = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "test_settlements_total 1")
	assert.Contains(t, res.Body.String(), "test_claims_total 1")
}

func TestTaskLifecycle(t *testing.T) {
	_, h := testServer(t)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/governance", model.DefaultGovernance()).Code)

	res := do(t, h, http.MethodPost, "/api/v1/tasks", TaskRequest{Type: "audit"})
	require.Equal(t, http.StatusCreated, res.Code)
	var task model.Task
	decodeBody(t, res, &task)
	assert.Equal(t, model.TaskOpen, task.Status)
	assert.Equal(t, amount.One, task.Weight)

	path := "/api/v1/tasks/" + task.ID
	require.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, path+"/evidence", EvidenceRequest{Reference: "x"}).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, path+"/assign", map[string]string{"wallet": "w-1"}).Code)

	res = do(t, h, http.MethodPost, path+"/evidence", EvidenceRequest{
		Reference:   "https://example.org/report/17",
		Description: strings.Repeat("detailed findings ", 4),
	})
	require.Equal(t, http.StatusOK, res.Code)
	decodeBody(t, res, &task)
	assert.Equal(t, model.TaskInProgress, task.Status)

	res = do(t, h, http.MethodPost, path+"/verify", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var vr VerifyResponse
	decodeBody(t, res, &vr)
	assert.Equal(t, model.TaskVerified, vr.Task.Status)
	require.NotNil(t, vr.Award)
	assert.Equal(t, uint64(3), vr.Award.Period)
	assert.Equal(t, "w-1", vr.Award.Wallet)
	assert.Equal(t, amount.Units(5), vr.Award.Amount)

	require.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, path+"/verify", nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/tasks/nope/verify", nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/tasks/nope", nil).Code)

	res = do(t, h, http.MethodGet, "/api/v1/periods/3/bounties", nil)
	var awards []model.BountyAward
	decodeBody(t, res, &awards)
	require.Len(t, awards, 1)
}

func TestRecordBountyRejectsSettledPeriod(t *testing.T) {
	_, h := testServer(t)
	seedNetwork(t, h)

	res := do(t, h, http.MethodPost, "/api/v1/bounties", BountyRequest{Period: 2, Wallet: "w-minnow", Amount: amount.Units(3)})
	require.Equal(t, http.StatusCreated, res.Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/periods/2/settle", nil).Code)

	res = do(t, h, http.MethodGet, "/api/v1/periods/2/proofs/small", nil)
	var proof model.ClaimProof
	decodeBody(t, res, &proof)
	assert.Greater(t, uint64(proof.TotalReward), uint64(amount.Units(3)))

	res = do(t, h, http.MethodPost, "/api/v1/bounties", BountyRequest{Period: 2, Wallet: "w-minnow", Amount: amount.Units(3)})
	require.Equal(t, http.StatusConflict, res.Code)
	res = do(t, h, http.MethodPost, "/api/v1/bounties", BountyRequest{Period: 4, Wallet: "w-minnow"})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAlertsAndAudit(t *testing.T) {
	s, h := testServer(t)
	_, _, err := s.Store.OpenAlert(model.AlertRecord{ID: "a1", Type: model.AlertSLABreach, Severity: model.SeverityCritical, CreatedAt: clock()})
	require.NoError(t, err)
	_, _, err = s.Store.OpenAlert(model.AlertRecord{ID: "a2", Type: model.AlertVerificationBacklog, Severity: model.SeverityWarning, CreatedAt: clock()})
	require.NoError(t, err)
	_, err = s.Store.ResolveAlerts(model.AlertVerificationBacklog, clock())
	require.NoError(t, err)

	var body struct {
		Items []model.AlertRecord `json:"items"`
	}
	decodeBody(t, do(t, h, http.MethodGet, "/api/v1/alerts?active=true", nil), &body)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "a1", body.Items[0].ID)
	decodeBody(t, do(t, h, http.MethodGet, "/api/v1/alerts", nil), &body)
	require.Len(t, body.Items, 2)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/governance", model.DefaultGovernance()).Code)
	var audit struct {
		Items []model.AuditEntry `json:"items"`
	}
	decodeBody(t, do(t, h, http.MethodGet, "/api/v1/audit?limit=5", nil), &audit)
	require.Len(t, audit.Items, 1)
	assert.Equal(t, "governance", audit.Items[0].Action)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/audit?limit=x", nil).Code)
}

func TestAlertHubPushesTransitions(t *testing.T) {
	s, h := testServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/alerts"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello WSMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)
	require.Equal(t, 1, s.Hub.Subscribers())

	var n risk.Notifier = s.Hub
	n.Notify(context.Background(), risk.Transition{
		Action: risk.ActionOpened,
		Alert:  model.AlertRecord{ID: "a1", Type: model.AlertPoolUtilization, Severity: model.SeverityWarning},
	})
	var msg struct {
		Type    string            `json:"type"`
		Payload model.AlertRecord `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "alert_opened", msg.Type)
	assert.Equal(t, model.AlertPoolUtilization, msg.Payload.Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.Hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
