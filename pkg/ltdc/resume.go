package ltdc

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/ltdc/ltdc/internal/errs"
)

var cursorBucket = []byte("cursors")

// Cursor is one (rank, worker) pair's saved progress: which epoch it was
// reading and how far into that epoch's assignment it had gotten.
type Cursor struct {
	Epoch    uint64 `json:"epoch"`
	Position int    `json:"position"`
}

// ResumeStore persists per-(rank,worker) read cursors in an embedded KV
// file, so a training job killed mid-epoch restarts from its last
// checkpoint instead of the beginning of the epoch.
type ResumeStore struct {
	db *bolt.DB
}

// OpenResumeStore opens (creating if absent) the cursor database at path.
func OpenResumeStore(path string) (*ResumeStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errs.IO(path, 0, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.IO(path, 0, err)
	}
	return &ResumeStore{db: db}, nil
}

func cursorKey(rank, worker int) []byte {
	return []byte(fmt.Sprintf("%d/%d", rank, worker))
}

// Load returns the saved cursor for (rank, worker), or found=false if none
// has ever been saved.
func (s *ResumeStore) Load(rank, worker int) (Cursor, bool, error) {
	var c Cursor
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorBucket).Get(cursorKey(rank, worker))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &c)
	})
	if err != nil {
		return Cursor{}, false, errs.Format("", err)
	}
	return c, found, nil
}

// Save persists the cursor for (rank, worker), overwriting any prior value.
func (s *ResumeStore) Save(rank, worker int, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errs.Format("", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorBucket).Put(cursorKey(rank, worker), data)
	})
	if err != nil {
		return errs.IO("", 0, err)
	}
	return nil
}

// Close releases the underlying database file.
func (s *ResumeStore) Close() error {
	return s.db.Close()
}
