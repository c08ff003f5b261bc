package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"node-emissions/pkg/amount"
	"node-emissions/pkg/model"
)

const sqliteTimeout = 5 * time.Second

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS nodes(id TEXT PRIMARY KEY, owner_id TEXT NOT NULL, tier TEXT NOT NULL, created_at INTEGER NOT NULL);
CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes(owner_id);
CREATE TABLE IF NOT EXISTS telemetry(node_id TEXT PRIMARY KEY, uptime_pct REAL NOT NULL, passing INTEGER NOT NULL, status TEXT NOT NULL, observed_at INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS wallets(owner_id TEXT PRIMARY KEY, address TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS governance(id INTEGER PRIMARY KEY CHECK (id = 1), params TEXT NOT NULL, updated_at INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS tasks(id TEXT PRIMARY KEY, wallet TEXT NOT NULL, type TEXT NOT NULL, weight INTEGER NOT NULL, status TEXT NOT NULL, evidence TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE TABLE IF NOT EXISTS bounties(id TEXT PRIMARY KEY, period INTEGER NOT NULL, wallet TEXT NOT NULL, task_id TEXT NOT NULL, amount INTEGER NOT NULL, created_at INTEGER NOT NULL);
CREATE INDEX IF NOT EXISTS idx_bounties_period ON bounties(period);
CREATE TABLE IF NOT EXISTS commitments(period INTEGER PRIMARY KEY, root TEXT NOT NULL, leaf_count INTEGER NOT NULL, pool_size INTEGER NOT NULL, total_base INTEGER NOT NULL, total_bounty INTEGER NOT NULL, settlement_ref TEXT NOT NULL, settled_at INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS ledger(period INTEGER NOT NULL, node_id TEXT NOT NULL, owner_id TEXT NOT NULL, tier TEXT NOT NULL, capacity INTEGER NOT NULL, base_reward INTEGER NOT NULL, bounty_reward INTEGER NOT NULL, total_reward INTEGER NOT NULL, claimed INTEGER NOT NULL DEFAULT 0, settlement_ref TEXT NOT NULL DEFAULT '', claimed_at INTEGER, created_at INTEGER NOT NULL, PRIMARY KEY(period, node_id));
CREATE TABLE IF NOT EXISTS alerts(id TEXT PRIMARY KEY, type TEXT NOT NULL, severity TEXT NOT NULL, message TEXT NOT NULL, metadata TEXT NOT NULL, resolved INTEGER NOT NULL DEFAULT 0, created_at INTEGER NOT NULL, resolved_at INTEGER);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_active ON alerts(type) WHERE resolved = 0;
CREATE TABLE IF NOT EXISTS audit(id INTEGER PRIMARY KEY AUTOINCREMENT, actor TEXT NOT NULL, action TEXT NOT NULL, target TEXT NOT NULL, detail TEXT NOT NULL, ts INTEGER NOT NULL);
`

// SQLiteStore is a single-file embedded store. Uniqueness of settlements,
// ledger rows and active alerts is enforced by the schema.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. The special
// path ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=busy_timeout=5000&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// One connection serialises writers and keeps :memory: a single database.
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping() error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sqliteTimeout)
}

// SQLite integers are signed; unsigned amounts round-trip through int64 bits.
func i64(v uint64) int64 { return int64(v) }

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) UpsertNode(n model.Node) (model.Node, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return n, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		owner, tier string
		created     int64
	)
	err = tx.QueryRowContext(ctx, `SELECT owner_id, tier, created_at FROM nodes WHERE id=?`, n.ID).Scan(&owner, &tier, &created)
	switch {
	case err == nil:
		prev := model.Node{ID: n.ID, OwnerID: owner, Tier: model.Tier(tier), CreatedAt: fromNanos(created)}
		merged, err := reregister(prev, n)
		if err != nil {
			return prev, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE nodes SET owner_id=? WHERE id=?`, merged.OwnerID, merged.ID); err != nil {
			return prev, err
		}
		n = merged
	case errors.Is(err, sql.ErrNoRows):
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO nodes(id, owner_id, tier, created_at) VALUES(?,?,?,?)`,
			n.ID, n.OwnerID, string(n.Tier), nanos(n.CreatedAt)); err != nil {
			return n, err
		}
	default:
		return n, err
	}
	return n, tx.Commit()
}

func (s *SQLiteStore) ListNodes() ([]model.Node, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner_id, tier, created_at FROM nodes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetNode(id string) (model.Node, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	n, err := scanNode(s.db.QueryRowContext(ctx, `SELECT id, owner_id, tier, created_at FROM nodes WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, false, nil
	}
	if err != nil {
		return model.Node{}, false, err
	}
	return n, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(r scanner) (model.Node, error) {
	var (
		n       model.Node
		tier    string
		created int64
	)
	if err := r.Scan(&n.ID, &n.OwnerID, &tier, &created); err != nil {
		return model.Node{}, err
	}
	n.Tier = model.Tier(tier)
	n.CreatedAt = fromNanos(created)
	return n, nil
}

func (s *SQLiteStore) SaveTelemetry(t model.TelemetrySummary) error {
	ctx, cancel := s.ctx()
	defer cancel()
	if t.ObservedAt.IsZero() {
		t.ObservedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO telemetry(node_id, uptime_pct, passing, status, observed_at) VALUES(?,?,?,?,?)
		ON CONFLICT(node_id) DO UPDATE SET uptime_pct=excluded.uptime_pct, passing=excluded.passing, status=excluded.status, observed_at=excluded.observed_at`,
		t.NodeID, t.UptimePct, t.Passing, string(t.Status), nanos(t.ObservedAt))
	return err
}

func (s *SQLiteStore) ListTelemetry() ([]model.TelemetrySummary, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, uptime_pct, passing, status, observed_at FROM telemetry ORDER BY node_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.TelemetrySummary{}
	for rows.Next() {
		var (
			t        model.TelemetrySummary
			status   string
			observed int64
		)
		if err := rows.Scan(&t.NodeID, &t.UptimePct, &t.Passing, &status, &observed); err != nil {
			return nil, err
		}
		t.Status = model.TelemetryStatus(status)
		t.ObservedAt = fromNanos(observed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveWallet(w model.Wallet) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO wallets(owner_id, address) VALUES(?,?)
		ON CONFLICT(owner_id) DO UPDATE SET address=excluded.address`, w.OwnerID, w.Address)
	return err
}

func (s *SQLiteStore) ListWallets() ([]model.Wallet, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT owner_id, address FROM wallets ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Wallet{}
	for rows.Next() {
		var w model.Wallet
		if err := rows.Scan(&w.OwnerID, &w.Address); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetGovernance() (model.GovernanceParams, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT params FROM governance WHERE id=1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GovernanceParams{}, false, nil
	}
	if err != nil {
		return model.GovernanceParams{}, false, err
	}
	var p model.GovernanceParams
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return model.GovernanceParams{}, false, fmt.Errorf("decode governance: %w", err)
	}
	return p, true, nil
}

func (s *SQLiteStore) SaveGovernance(p model.GovernanceParams) error {
	ctx, cancel := s.ctx()
	defer cancel()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO governance(id, params, updated_at) VALUES(1,?,?)
		ON CONFLICT(id) DO UPDATE SET params=excluded.params, updated_at=excluded.updated_at`, string(b), nanos(p.UpdatedAt))
	return err
}

func (s *SQLiteStore) SaveTask(t model.Task) error {
	ctx, cancel := s.ctx()
	defer cancel()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	ev, err := json.Marshal(t.Evidence)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks(id, wallet, type, weight, status, evidence, created_at, updated_at) VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET wallet=excluded.wallet, type=excluded.type, weight=excluded.weight, status=excluded.status, evidence=excluded.evidence, updated_at=excluded.updated_at`,
		t.ID, t.Wallet, t.Type, i64(uint64(t.Weight)), string(t.Status), string(ev), nanos(t.CreatedAt), nanos(t.UpdatedAt))
	return err
}

func (s *SQLiteStore) GetTask(id string) (model.Task, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var (
		t                model.Task
		weight           int64
		status, evidence string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, wallet, type, weight, status, evidence, created_at, updated_at FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.Wallet, &t.Type, &weight, &status, &evidence, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, false, nil
	}
	if err != nil {
		return model.Task{}, false, err
	}
	if err := json.Unmarshal([]byte(evidence), &t.Evidence); err != nil {
		return model.Task{}, false, fmt.Errorf("decode evidence: %w", err)
	}
	t.Weight = amount.PPM(uint64(weight))
	t.Status = model.TaskStatus(status)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return t, true, nil
}

func (s *SQLiteStore) CountTasks(statuses ...model.TaskStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	ctx, cancel := s.ctx()
	defer cancel()
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	q := `SELECT COUNT(*) FROM tasks WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (s *SQLiteStore) SaveBounty(b model.BountyAward) error {
	ctx, cancel := s.ctx()
	defer cancel()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO bounties(id, period, wallet, task_id, amount, created_at) VALUES(?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`,
		b.ID, i64(b.Period), b.Wallet, b.TaskID, i64(uint64(b.Amount)), nanos(b.CreatedAt))
	return err
}

func (s *SQLiteStore) ListBounties(period uint64) ([]model.BountyAward, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT id, period, wallet, task_id, amount, created_at FROM bounties WHERE period=? ORDER BY id`, i64(period))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.BountyAward{}
	for rows.Next() {
		var (
			b                 model.BountyAward
			p, amt, createdAt int64
		)
		if err := rows.Scan(&b.ID, &p, &b.Wallet, &b.TaskID, &amt, &createdAt); err != nil {
			return nil, err
		}
		b.Period = uint64(p)
		b.Amount = amount.Amount(uint64(amt))
		b.CreatedAt = fromNanos(createdAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveSettlement(c model.Commitment, entries []model.LedgerEntry) error {
	ctx, cancel := s.ctx()
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO commitments(period, root, leaf_count, pool_size, total_base, total_bounty, settlement_ref, settled_at) VALUES(?,?,?,?,?,?,?,?)`,
		i64(c.Period), c.Root, c.LeafCount, i64(uint64(c.PoolSize)), i64(uint64(c.TotalBase)), i64(uint64(c.TotalBounty)), c.SettlementRef, nanos(c.SettledAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %d", ErrPeriodSettled, c.Period)
	}
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ledger(period, node_id, owner_id, tier, capacity, base_reward, bounty_reward, total_reward, claimed, settlement_ref, claimed_at, created_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if e.Period != c.Period {
			return fmt.Errorf("ledger entry %s has period %d, commitment %d", e.NodeID, e.Period, c.Period)
		}
		var claimedAt any
		if e.ClaimedAt != nil {
			claimedAt = nanos(*e.ClaimedAt)
		}
		if _, err := stmt.ExecContext(ctx, i64(e.Period), e.NodeID, e.OwnerID, string(e.Tier), i64(uint64(e.Capacity)),
			i64(uint64(e.BaseReward)), i64(uint64(e.BountyReward)), i64(uint64(e.TotalReward)), e.Claimed, e.SettlementRef, claimedAt, nanos(e.CreatedAt)); err != nil {
			return fmt.Errorf("insert ledger %s: %w", e.NodeID, err)
		}
	}
	return tx.Commit()
}

const commitmentCols = `period, root, leaf_count, pool_size, total_base, total_bounty, settlement_ref, settled_at`

func scanCommitment(r scanner) (model.Commitment, error) {
	var (
		c                              model.Commitment
		period, pool, base, bounty, at int64
	)
	if err := r.Scan(&period, &c.Root, &c.LeafCount, &pool, &base, &bounty, &c.SettlementRef, &at); err != nil {
		return model.Commitment{}, err
	}
	c.Period = uint64(period)
	c.PoolSize = amount.Amount(uint64(pool))
	c.TotalBase = amount.Amount(uint64(base))
	c.TotalBounty = amount.Amount(uint64(bounty))
	c.SettledAt = fromNanos(at)
	return c, nil
}

func (s *SQLiteStore) GetCommitment(period uint64) (model.Commitment, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	c, err := scanCommitment(s.db.QueryRowContext(ctx, `SELECT `+commitmentCols+` FROM commitments WHERE period=?`, i64(period)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Commitment{}, false, nil
	}
	if err != nil {
		return model.Commitment{}, false, err
	}
	return c, true, nil
}

func (s *SQLiteStore) LatestCommitment() (model.Commitment, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	c, err := scanCommitment(s.db.QueryRowContext(ctx, `SELECT `+commitmentCols+` FROM commitments ORDER BY period DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Commitment{}, false, nil
	}
	if err != nil {
		return model.Commitment{}, false, err
	}
	return c, true, nil
}

func (s *SQLiteStore) ListLedger(period uint64) ([]model.LedgerEntry, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT period, node_id, owner_id, tier, capacity, base_reward, bounty_reward, total_reward, claimed, settlement_ref, claimed_at, created_at
		FROM ledger WHERE period=? ORDER BY node_id`, i64(period))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.LedgerEntry{}
	for rows.Next() {
		var (
			e                                model.LedgerEntry
			p, capacity, base, bounty, total int64
			tier                             string
			claimedAt                        sql.NullInt64
			created                          int64
		)
		if err := rows.Scan(&p, &e.NodeID, &e.OwnerID, &tier, &capacity, &base, &bounty, &total, &e.Claimed, &e.SettlementRef, &claimedAt, &created); err != nil {
			return nil, err
		}
		e.Period = uint64(p)
		e.Tier = model.Tier(tier)
		e.Capacity = amount.Capacity(uint64(capacity))
		e.BaseReward = amount.Amount(uint64(base))
		e.BountyReward = amount.Amount(uint64(bounty))
		e.TotalReward = amount.Amount(uint64(total))
		if claimedAt.Valid {
			t := fromNanos(claimedAt.Int64)
			e.ClaimedAt = &t
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkClaimed(period uint64, nodeID, ref string, at time.Time) error {
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.db.ExecContext(ctx, `UPDATE ledger SET claimed=1, settlement_ref=?, claimed_at=? WHERE period=? AND node_id=? AND claimed=0`,
		ref, nanos(at), i64(period), nodeID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}
	var claimed bool
	err = s.db.QueryRowContext(ctx, `SELECT claimed FROM ledger WHERE period=? AND node_id=?`, i64(period), nodeID).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyClaimed
}

const alertCols = `id, type, severity, message, metadata, resolved, created_at, resolved_at`

func scanAlert(r scanner) (model.AlertRecord, error) {
	var (
		a                   model.AlertRecord
		typ, severity, meta string
		created             int64
		resolvedAt          sql.NullInt64
	)
	if err := r.Scan(&a.ID, &typ, &severity, &a.Message, &meta, &a.Resolved, &created, &resolvedAt); err != nil {
		return model.AlertRecord{}, err
	}
	a.Type = model.AlertType(typ)
	a.Severity = model.Severity(severity)
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return model.AlertRecord{}, fmt.Errorf("decode alert metadata: %w", err)
		}
	}
	a.CreatedAt = fromNanos(created)
	if resolvedAt.Valid {
		t := fromNanos(resolvedAt.Int64)
		a.ResolvedAt = &t
	}
	if !a.Resolved {
		a.ActiveKey = activeKey(a.Type)
	}
	return a, nil
}

func (s *SQLiteStore) activeAlert(ctx context.Context, t model.AlertType) (model.AlertRecord, bool, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alerts WHERE type=? AND resolved=0`, string(t)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.AlertRecord{}, false, nil
	}
	if err != nil {
		return model.AlertRecord{}, false, err
	}
	return a, true, nil
}

func (s *SQLiteStore) OpenAlert(rec model.AlertRecord) (model.AlertRecord, bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return model.AlertRecord{}, false, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO alerts(`+alertCols+`) VALUES(?,?,?,?,?,0,?,NULL)`,
		rec.ID, string(rec.Type), string(rec.Severity), rec.Message, string(meta), nanos(rec.CreatedAt))
	if isUniqueViolation(err) {
		existing, ok, ferr := s.activeAlert(ctx, rec.Type)
		if ferr != nil {
			return model.AlertRecord{}, false, ferr
		}
		if ok {
			return existing, false, nil
		}
		return model.AlertRecord{}, false, err
	}
	if err != nil {
		return model.AlertRecord{}, false, err
	}
	rec.Resolved = false
	rec.ResolvedAt = nil
	rec.ActiveKey = activeKey(rec.Type)
	return rec, true, nil
}

func (s *SQLiteStore) ResolveAlerts(t model.AlertType, at time.Time) ([]model.AlertRecord, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	a, ok, err := s.activeAlert(ctx, t)
	if err != nil || !ok {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET resolved=1, resolved_at=? WHERE id=? AND resolved=0`, nanos(at), a.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	resolvedAt := at
	a.Resolved = true
	a.ResolvedAt = &resolvedAt
	a.ActiveKey = nil
	return []model.AlertRecord{a}, nil
}

func (s *SQLiteStore) ListAlerts(activeOnly bool) ([]model.AlertRecord, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	q := `SELECT ` + alertCols + ` FROM alerts`
	if activeOnly {
		q += ` WHERE resolved=0`
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AlertRecord{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendAudit(entry model.AuditEntry) error {
	ctx, cancel := s.ctx()
	defer cancel()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit(actor, action, target, detail, ts) VALUES(?,?,?,?,?)`,
		entry.Actor, entry.Action, entry.Target, entry.Detail, nanos(entry.Timestamp))
	return err
}

func (s *SQLiteStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	q := `SELECT id, actor, action, target, detail, ts FROM (SELECT * FROM audit ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	q += `) ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AuditEntry{}
	for rows.Next() {
		var (
			e  model.AuditEntry
			id int64
			ts int64
		)
		if err := rows.Scan(&id, &e.Actor, &e.Action, &e.Target, &e.Detail, &ts); err != nil {
			return nil, err
		}
		e.ID = uint(id)
		e.Timestamp = fromNanos(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
