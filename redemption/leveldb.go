package redemption

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var recordPrefix = []byte("redeemed/")

// LevelDBStore persists records in an embedded LevelDB database. Writes are
// synced before Redeem returns.
type LevelDBStore struct {
	// mu serialises the has-then-put in Redeem; LevelDB has no conditional put.
	mu sync.Mutex
	db *leveldb.DB
}

var _ Store = (*LevelDBStore)(nil)

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 16,
		BlockCacheCapacity:     8 * opt.MiB,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

// OpenLevelDBInMemory opens a LevelDB database backed by memory storage.
func OpenLevelDBInMemory() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func recordKey(key string) []byte {
	return append(append([]byte{}, recordPrefix...), key...)
}

func (s *LevelDBStore) Redeemed(_ context.Context, key string) (bool, error) {
	ok, err := s.db.Has(recordKey(key), nil)
	if err != nil {
		return false, fmt.Errorf("leveldb has: %w", err)
	}
	return ok, nil
}

func (s *LevelDBStore) Redeem(_ context.Context, rec Record) error {
	if rec.RedeemedAt.IsZero() {
		rec.RedeemedAt = time.Now().UTC()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	k := recordKey(rec.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.db.Has(k, nil)
	if err != nil {
		return fmt.Errorf("leveldb has: %w", err)
	}
	if exists {
		return ErrAlreadyRedeemed
	}
	if err := s.db.Put(k, value, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

func (s *LevelDBStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			// keep undecodable entries; dropping them could re-open a proof
			continue
		}
		if rec.RedeemedAt.Before(before) {
			batch.Delete(append([]byte{}, iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("leveldb iterate: %w", err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return 0, fmt.Errorf("leveldb prune: %w", err)
	}
	return batch.Len(), nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
