package model

import (
	"time"

	"node-emissions/pkg/amount"
)

type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskVerified   TaskStatus = "verified"
	TaskRejected   TaskStatus = "rejected"
)

// BacklogStatuses are the states counted as verification backlog.
var BacklogStatuses = []TaskStatus{TaskAssigned, TaskInProgress}

// Evidence is what a worker submits for a bounty task.
type Evidence struct {
	Reference   string `json:"reference,omitempty"` // url or content hash
	Description string `json:"description,omitempty"`
}

// Task is an off-chain bounty task. Weight scales the bounty base rate.
type Task struct {
	ID        string     `gorm:"primaryKey;size:64" json:"id"`
	Wallet    string     `gorm:"index;size:128" json:"wallet"`
	Type      string     `gorm:"size:64" json:"type"`
	Weight    amount.PPM `json:"weight"`
	Status    TaskStatus `gorm:"index;size:16" json:"status"`
	Evidence  Evidence   `gorm:"serializer:json" json:"evidence"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// BountyAward is a verified bounty payable to a wallet in a period.
type BountyAward struct {
	ID        string        `gorm:"primaryKey;size:64" json:"id"`
	Period    uint64        `gorm:"index" json:"period"`
	Wallet    string        `gorm:"index;size:128" json:"wallet"`
	TaskID    string        `gorm:"size:64" json:"taskId,omitempty"`
	Amount    amount.Amount `json:"amount"`
	CreatedAt time.Time     `json:"createdAt"`
}
