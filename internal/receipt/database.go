package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zombor/receipt-pipeline/internal/learning"
	"github.com/zombor/receipt-pipeline/internal/scanning"
	"go.etcd.io/bbolt"
)

const (
	batchBucketName      = "batches"
	transcriptBucketName = "transcripts"
	modelBucketName      = "user_models"
)

// ErrBatchNotFound is returned when no batch has the requested ID
var ErrBatchNotFound = errors.New("batch not found")

// DB defines the interface for batch persistence
type DB interface {
	// SaveBatch saves a batch record
	SaveBatch(b *Batch) error

	// GetBatch retrieves a batch by ID
	GetBatch(id string) (*Batch, error)

	// ListBatches returns the user's batches, newest first; an empty user lists all
	ListBatches(userID string) ([]*Batch, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements DB using BoltDB. The same file also holds the
// transcript cache and the user models.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{batchBucketName, transcriptBucketName, modelBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveBatch saves a batch record
func (b *BoltDB) SaveBatch(batch *Batch) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("marshaling batch: %w", err)
		}
		return tx.Bucket([]byte(batchBucketName)).Put([]byte(batch.ID), data)
	})
}

// GetBatch retrieves a batch by ID
func (b *BoltDB) GetBatch(id string) (*Batch, error) {
	var batch *Batch
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(batchBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return json.Unmarshal(data, &batch)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// ListBatches returns the user's batches, newest first
func (b *BoltDB) ListBatches(userID string) ([]*Batch, error) {
	batches := make([]*Batch, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(batchBucketName)).ForEach(func(k, v []byte) error {
			var batch Batch
			if err := json.Unmarshal(v, &batch); err != nil {
				return fmt.Errorf("unmarshaling batch %s: %w", k, err)
			}
			if userID == "" || batch.UserID == userID {
				batches = append(batches, &batch)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(batches, func(i, j int) bool { return batches[i].CreatedAt.After(batches[j].CreatedAt) })
	return batches, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// Transcripts returns the transcript cache stored in this database
func (b *BoltDB) Transcripts() *TranscriptStore {
	return &TranscriptStore{db: b.db}
}

// Models returns the user model store backed by this database
func (b *BoltDB) Models() *ModelStore {
	return &ModelStore{db: b.db}
}

// TranscriptStore implements scanning.TranscriptCache on a bbolt bucket
type TranscriptStore struct {
	db *bbolt.DB
}

// Get returns the cached transcript for a content hash. Undecodable
// entries are reported as ErrCacheCorrupt.
func (s *TranscriptStore) Get(hash string) (*scanning.Transcript, bool, error) {
	var t *scanning.Transcript
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(transcriptBucketName)).Get([]byte(hash))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("%w: %s: %w", scanning.ErrCacheCorrupt, hash, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return t, t != nil, nil
}

// Put stores a transcript; concurrent writers for one hash race and the last wins
func (s *TranscriptStore) Put(hash string, t *scanning.Transcript) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshaling transcript: %w", err)
		}
		return tx.Bucket([]byte(transcriptBucketName)).Put([]byte(hash), data)
	})
}

// ModelStore implements learning.ModelStore on a bbolt bucket
type ModelStore struct {
	db *bbolt.DB
}

// Load returns the user's model or learning.ErrModelNotFound
func (s *ModelStore) Load(userID string) (*learning.UserModel, error) {
	var m *learning.UserModel
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(modelBucketName)).Get([]byte(userID))
		if data == nil {
			return learning.ErrModelNotFound
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("unmarshaling model for %s: %w", userID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Save stores the model under its user ID
func (s *ModelStore) Save(m *learning.UserModel) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshaling model: %w", err)
		}
		return tx.Bucket([]byte(modelBucketName)).Put([]byte(m.UserID), data)
	})
}

// Users lists every user with a stored model
func (s *ModelStore) Users() ([]string, error) {
	var users []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(modelBucketName)).ForEach(func(k, _ []byte) error {
			users = append(users, string(k))
			return nil
		})
	})
	return users, err
}
