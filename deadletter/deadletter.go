// Package deadletter persists posting tasks that exhausted their retries
// into a local LevelDB database for manual inspection, the same embedded
// key-value approach the gateway uses for its nonce persistence.
package deadletter

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/types"
)

// Store is a LevelDB-backed dead-letter list.
type Store struct {
	db *leveldb.DB
}

// Record is one dead-lettered task with the failure that killed it.
type Record struct {
	Task     types.BlockPostTask `json:"task"`
	Reason   string              `json:"reason"`
	DeadAt   time.Time           `json:"dead_at"`
	Attempts int                 `json:"attempts"`
}

// Open opens (or creates) the dead-letter database at path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errkind.NewFatal("deadletter.Open", fmt.Errorf("path required"))
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, errkind.NewFatal("deadletter.Open", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, errkind.NewFatal("deadletter.Open", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores a dead task keyed by timestamp and block id so records list
// in failure order.
func (s *Store) Append(task *types.BlockPostTask, reason string) error {
	record := Record{
		Task:     *task,
		Reason:   reason,
		DeadAt:   time.Now().UTC(),
		Attempts: task.Attempts,
	}
	value, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("dead:%020d:%s", record.DeadAt.UnixNano(), task.BlockID)
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return errkind.NewTransient("deadletter.Append", err)
	}
	return nil
}

// List returns every dead-lettered record in failure order.
func (s *Store) List() ([]Record, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte("dead:")), nil)
	defer iter.Release()
	var records []Record
	for iter.Next() {
		var record Record
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, errkind.NewTransient("deadletter.List", err)
	}
	return records, nil
}
