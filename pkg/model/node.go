package model

import (
	"fmt"
	"time"
)

// Tier is a capacity class. The set is closed.
type Tier string

const (
	TierTop  Tier = "top"
	TierMid  Tier = "mid"
	TierBase Tier = "base"
)

// Tiers lists every known tier in a stable order.
var Tiers = []Tier{TierTop, TierMid, TierBase}

func (t Tier) Valid() bool {
	switch t {
	case TierTop, TierMid, TierBase:
		return true
	}
	return false
}

// ParseTier accepts the lower-case tier names.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Node is a registered participant. OwnerID groups nodes under one real-world
// owner; CreatedAt only orders same-owner nodes for dampening.
type Node struct {
	ID        string    `gorm:"primaryKey;size:128" json:"id"`
	OwnerID   string    `gorm:"index;size:128" json:"ownerId"`
	Tier      Tier      `gorm:"size:16" json:"tier"`
	CreatedAt time.Time `json:"createdAt"`
}

// Wallet maps an owner identity to the payout wallet bounties are recorded against.
type Wallet struct {
	OwnerID string `gorm:"primaryKey;size:128" json:"ownerId"`
	Address string `gorm:"index;size:128" json:"address"`
}

// NodeRegistration is the wire form of a node (re-)registration. CreatedAt
// is kept from the first registration when omitted.
type NodeRegistration struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	Tier      string     `json:"tier"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}
