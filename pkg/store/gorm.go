package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"node-emissions/pkg/model"
)

const governanceRowID = 1

// GormStore persists everything through gorm; pkg/db opens the MySQL
// connection and migrates the schema. The composite primary key on ledger
// rows and the unique index on AlertRecord.ActiveKey carry the settlement
// and single-active-alert guarantees.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (g *GormStore) Ping() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (g *GormStore) UpsertNode(n model.Node) (model.Node, error) {
	err := g.db.Transaction(func(tx *gorm.DB) error {
		var prev model.Node
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", n.ID).Take(&prev).Error
		switch {
		case err == nil:
			merged, err := reregister(prev, n)
			if err != nil {
				n = prev
				return err
			}
			n = merged
			return tx.Model(&model.Node{}).Where("id = ?", n.ID).Update("owner_id", n.OwnerID).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if n.CreatedAt.IsZero() {
				n.CreatedAt = time.Now().UTC()
			}
			return tx.Create(&n).Error
		default:
			return err
		}
	})
	return n, err
}

func (g *GormStore) ListNodes() ([]model.Node, error) {
	out := []model.Node{}
	err := g.db.Order("id").Find(&out).Error
	return out, err
}

func (g *GormStore) GetNode(id string) (model.Node, bool, error) {
	var n model.Node
	err := g.db.Where("id = ?", id).Take(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Node{}, false, nil
	}
	return n, err == nil, err
}

func (g *GormStore) SaveTelemetry(t model.TelemetrySummary) error {
	if t.ObservedAt.IsZero() {
		t.ObservedAt = time.Now().UTC()
	}
	return g.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&t).Error
}

func (g *GormStore) ListTelemetry() ([]model.TelemetrySummary, error) {
	out := []model.TelemetrySummary{}
	err := g.db.Order("node_id").Find(&out).Error
	return out, err
}

func (g *GormStore) SaveWallet(w model.Wallet) error {
	return g.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&w).Error
}

func (g *GormStore) ListWallets() ([]model.Wallet, error) {
	out := []model.Wallet{}
	err := g.db.Order("owner_id").Find(&out).Error
	return out, err
}

func (g *GormStore) GetGovernance() (model.GovernanceParams, bool, error) {
	var rec model.GovernanceRecord
	err := g.db.Where("id = ?", governanceRowID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.GovernanceParams{}, false, nil
	}
	if err != nil {
		return model.GovernanceParams{}, false, err
	}
	return rec.Params, true, nil
}

func (g *GormStore) SaveGovernance(p model.GovernanceParams) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	rec := model.GovernanceRecord{ID: governanceRowID, Params: p, UpdatedAt: p.UpdatedAt}
	return g.db.Save(&rec).Error
}

func (g *GormStore) SaveTask(t model.Task) error {
	// gorm stamps CreatedAt/UpdatedAt.
	return g.db.Save(&t).Error
}

func (g *GormStore) GetTask(id string) (model.Task, bool, error) {
	var t model.Task
	err := g.db.Where("id = ?", id).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Task{}, false, nil
	}
	return t, err == nil, err
}

func (g *GormStore) CountTasks(statuses ...model.TaskStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	var n int64
	err := g.db.Model(&model.Task{}).Where("status IN ?", statuses).Count(&n).Error
	return int(n), err
}

func (g *GormStore) SaveBounty(b model.BountyAward) error {
	return g.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&b).Error
}

func (g *GormStore) ListBounties(period uint64) ([]model.BountyAward, error) {
	out := []model.BountyAward{}
	err := g.db.Where("period = ?", period).Order("id").Find(&out).Error
	return out, err
}

func (g *GormStore) SaveSettlement(c model.Commitment, entries []model.LedgerEntry) error {
	for _, e := range entries {
		if e.Period != c.Period {
			return fmt.Errorf("ledger entry %s has period %d, commitment %d", e.NodeID, e.Period, c.Period)
		}
	}
	return g.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %d", ErrPeriodSettled, c.Period)
			}
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.CreateInBatches(entries, 500).Error
	})
}

func (g *GormStore) GetCommitment(period uint64) (model.Commitment, bool, error) {
	var c model.Commitment
	err := g.db.Where("period = ?", period).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Commitment{}, false, nil
	}
	return c, err == nil, err
}

func (g *GormStore) LatestCommitment() (model.Commitment, bool, error) {
	var c model.Commitment
	err := g.db.Order("period DESC").Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Commitment{}, false, nil
	}
	return c, err == nil, err
}

func (g *GormStore) ListLedger(period uint64) ([]model.LedgerEntry, error) {
	out := []model.LedgerEntry{}
	err := g.db.Where("period = ?", period).Order("node_id").Find(&out).Error
	return out, err
}

func (g *GormStore) MarkClaimed(period uint64, nodeID, ref string, at time.Time) error {
	res := g.db.Model(&model.LedgerEntry{}).
		Where("period = ? AND node_id = ? AND claimed = ?", period, nodeID, false).
		Updates(map[string]interface{}{"claimed": true, "settlement_ref": ref, "claimed_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var e model.LedgerEntry
	err := g.db.Where("period = ? AND node_id = ?", period, nodeID).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyClaimed
}

func (g *GormStore) OpenAlert(rec model.AlertRecord) (model.AlertRecord, bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Resolved = false
	rec.ResolvedAt = nil
	rec.ActiveKey = activeKey(rec.Type)
	err := g.db.Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing model.AlertRecord
		if ferr := g.db.Where("active_key = ?", string(rec.Type)).Take(&existing).Error; ferr != nil {
			return model.AlertRecord{}, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		return model.AlertRecord{}, false, err
	}
	return rec, true, nil
}

func (g *GormStore) ResolveAlerts(t model.AlertType, at time.Time) ([]model.AlertRecord, error) {
	var out []model.AlertRecord
	err := g.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("active_key = ?", string(t)).Find(&out).Error; err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		if err := tx.Model(&model.AlertRecord{}).Where("active_key = ?", string(t)).
			Updates(map[string]interface{}{"resolved": true, "resolved_at": at, "active_key": nil}).Error; err != nil {
			return err
		}
		for i := range out {
			resolvedAt := at
			out[i].Resolved = true
			out[i].ResolvedAt = &resolvedAt
			out[i].ActiveKey = nil
		}
		return nil
	})
	return out, err
}

func (g *GormStore) ListAlerts(activeOnly bool) ([]model.AlertRecord, error) {
	out := []model.AlertRecord{}
	q := g.db.Order("created_at, id")
	if activeOnly {
		q = q.Where("resolved = ?", false)
	}
	err := q.Find(&out).Error
	return out, err
}

func (g *GormStore) AppendAudit(entry model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return g.db.Create(&entry).Error
}

func (g *GormStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	out := []model.AuditEntry{}
	q := g.db.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
