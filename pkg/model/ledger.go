package model

import (
	"time"

	"node-emissions/pkg/amount"
)

// LedgerEntry is one node's settled reward for one period. Exactly one exists
// per (period, node).
type LedgerEntry struct {
	Period        uint64          `gorm:"primaryKey;autoIncrement:false" json:"period"`
	NodeID        string          `gorm:"primaryKey;size:128" json:"nodeId"`
	OwnerID       string          `gorm:"size:128" json:"ownerId"`
	Tier          Tier            `gorm:"size:16" json:"tier"`
	Capacity      amount.Capacity `json:"capacity"`
	BaseReward    amount.Amount   `json:"baseReward"`
	BountyReward  amount.Amount   `json:"bountyReward"`
	TotalReward   amount.Amount   `json:"totalReward"`
	Claimed       bool            `json:"claimed"`
	SettlementRef string          `gorm:"size:128" json:"settlementRef,omitempty"`
	ClaimedAt     *time.Time      `json:"claimedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Commitment records that a period has been settled. Its presence is the
// settlement guard, so a period with no eligible nodes still gets one.
type Commitment struct {
	Period        uint64        `gorm:"primaryKey;autoIncrement:false" json:"period"`
	Root          string        `gorm:"size:64" json:"root"` // hex
	LeafCount     int           `json:"leafCount"`
	PoolSize      amount.Amount `json:"poolSize"`
	TotalBase     amount.Amount `json:"totalBase"`
	TotalBounty   amount.Amount `json:"totalBounty"`
	SettlementRef string        `gorm:"size:64" json:"settlementRef"`
	SettledAt     time.Time     `json:"settledAt"`
}

// ClaimProof lets a node prove its TotalReward is committed under Root.
// Siblings run leaf to root and are hex encoded.
type ClaimProof struct {
	Period      uint64        `json:"period"`
	NodeID      string        `json:"nodeId"`
	TotalReward amount.Amount `json:"totalReward"`
	Siblings    []string      `json:"siblings"`
	Root        string        `json:"root"`
}
