package api

import (
	"time"

	"node-emissions/pkg/amount"
	"node-emissions/pkg/model"
)

// Agent-facing payloads live in model so the agent need not link the server.
type (
	NodeRegistrationRequest = model.NodeRegistration
	TelemetryReport         = model.TelemetryReport
)

type TaskRequest struct {
	Wallet string     `json:"wallet"`
	Type   string     `json:"type"`
	Weight amount.PPM `json:"weight"` // micro-units, 1000000 = 1.0
}

type EvidenceRequest struct {
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// VerifyResponse reports the outcome of a task verification.
type VerifyResponse struct {
	Task  model.Task         `json:"task"`
	Award *model.BountyAward `json:"award,omitempty"`
}

// BountyRequest records an award decided outside the verifier.
type BountyRequest struct {
	Period uint64        `json:"period"`
	Wallet string        `json:"wallet"`
	TaskID string        `json:"taskId,omitempty"`
	Amount amount.Amount `json:"amount"`
}

type ClaimRequest struct {
	Ref string `json:"ref,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PeriodStatus summarises where the schedule stands.
type PeriodStatus struct {
	Current       uint64            `json:"current"`
	LastCompleted *uint64           `json:"lastCompleted,omitempty"`
	Latest        *model.Commitment `json:"latestCommitment,omitempty"`
	Version       string            `json:"version"`
}

type errorResponse struct {
	Error string `json:"error"`
}
