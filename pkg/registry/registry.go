// Package registry archives published period roots outside the ledger
// store, so a claim proof can be checked against an independent copy.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"node-emissions/pkg/merkle"
)

// ErrConflict is returned when a different root is already published for a period.
var ErrConflict = errors.New("a different root is already published for this period")

// Registry stores one immutable root per period.
type Registry interface {
	Publish(period uint64, root merkle.Digest) error
	Root(period uint64) (merkle.Digest, bool, error)
}

const keyPrefix = "root/"

func rootKey(period uint64) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], period)
	return k
}

// LevelDB keeps roots in a goleveldb database keyed by big-endian period,
// so iteration runs in period order.
type LevelDB struct {
	mu   sync.Mutex
	conn *leveldb.DB
}

// OpenLevelDB opens (or creates) the archive at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open root registry: %w", err)
	}
	return &LevelDB{conn: db}, nil
}

// NewMemLevelDB returns an archive backed by memory storage.
func NewMemLevelDB() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{conn: db}, nil
}

func (l *LevelDB) Close() error {
	return l.conn.Close()
}

// Publish records root for period. Republishing the same root is a no-op.
func (l *LevelDB) Publish(period uint64, root merkle.Digest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := rootKey(period)
	prev, err := l.conn.Get(key, nil)
	switch {
	case err == nil:
		if string(prev) != string(root[:]) {
			return fmt.Errorf("%w: period %d", ErrConflict, period)
		}
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return err
	}
	return l.conn.Put(key, root[:], nil)
}

func (l *LevelDB) Root(period uint64) (merkle.Digest, bool, error) {
	v, err := l.conn.Get(rootKey(period), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return merkle.Digest{}, false, nil
	}
	if err != nil {
		return merkle.Digest{}, false, err
	}
	var d merkle.Digest
	if len(v) != len(d) {
		return merkle.Digest{}, false, fmt.Errorf("corrupt root for period %d", period)
	}
	copy(d[:], v)
	return d, true, nil
}

// Periods lists every period with a published root, ascending.
func (l *LevelDB) Periods() ([]uint64, error) {
	it := l.conn.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer it.Release()
	var out []uint64
	for it.Next() {
		k := it.Key()
		out = append(out, binary.BigEndian.Uint64(k[len(keyPrefix):]))
	}
	return out, it.Error()
}
