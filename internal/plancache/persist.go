package plancache

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// LevelDB key scheme — one record per cache entry under the cache root:
//
//	p|<fingerprint> → CachedPlan JSON
const prefixPlan = "p|"

// Store persists cache entries in a LevelDB database. LevelDB is
// single-writer per path; the cache is the only writer in the process.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens (or creates) the cache database at path.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("plancache: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) put(cp *CachedPlan) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("plancache: marshal entry: %w", err)
	}
	return s.db.Put([]byte(prefixPlan+cp.Fingerprint), data, nil)
}

func (s *Store) delete(fingerprint string) {
	_ = s.db.Delete([]byte(prefixPlan+fingerprint), nil)
}

// loadAll returns every readable entry. Records that fail to decode are
// skipped and removed: a corrupt record is absent, not fatal.
func (s *Store) loadAll(log *zap.Logger) []*CachedPlan {
	var out []*CachedPlan
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixPlan)), nil)
	defer iter.Release()
	for iter.Next() {
		var cp CachedPlan
		if err := json.Unmarshal(iter.Value(), &cp); err != nil || cp.Fingerprint == "" {
			log.Warn("dropping corrupt cache record", zap.ByteString("key", iter.Key()))
			key := append([]byte(nil), iter.Key()...)
			_ = s.db.Delete(key, nil)
			continue
		}
		out = append(out, &cp)
	}
	if err := iter.Error(); err != nil {
		log.Warn("plan cache load incomplete", zap.Error(err))
	}
	return out
}

func (s *Store) close() {
	_ = s.db.Close()
}
