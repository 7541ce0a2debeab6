// Package boltstore persists agent state in a bbolt file.
//
// Records are kept in sequence-keyed buckets so Load returns them in
// insertion order; a parallel index bucket per collection enforces
// uniqueness (peer topic for connections, proposal id for proposals).
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/hcsagent/internal/ledger"
	"github.com/roach88/hcsagent/internal/registry"
	"github.com/roach88/hcsagent/internal/state"
)

var (
	bucketConnections   = []byte("connections")
	bucketPeerIndex     = []byte("connections_by_peer")
	bucketPending       = []byte("pending")
	bucketPendingIndex  = []byte("pending_by_id")
	bucketExecuted      = []byte("executed")
	bucketExecutedIndex = []byte("executed_by_proposal")
	bucketCursors       = []byte("cursors")

	allBuckets = [][]byte{
		bucketConnections, bucketPeerIndex,
		bucketPending, bucketPendingIndex,
		bucketExecuted, bucketExecutedIndex,
		bucketCursors,
	}
)

// Store is a bbolt-backed state.Store.
type Store struct {
	db *bolt.DB
}

var _ state.Store = (*Store)(nil)

// Open initialises the bolt file at path and creates missing buckets.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) SaveConnection(_ context.Context, conn registry.Connection) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return insertUnique(tx, bucketConnections, bucketPeerIndex, conn.PeerTopicID, conn)
	})
	if err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	return nil
}

func (s *Store) SaveProposal(_ context.Context, p ledger.PendingProposal) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketExecutedIndex).Get([]byte(p.ID)) != nil {
			return nil
		}
		return insertUnique(tx, bucketPending, bucketPendingIndex, p.ID, p)
	})
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}
	return nil
}

// CommitExecution inserts the execution and drops the pending proposal in
// one bolt transaction.
func (s *Store) CommitExecution(_ context.Context, e ledger.ExecutedProposal) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := insertUnique(tx, bucketExecuted, bucketExecutedIndex, e.ProposalID, e); err != nil {
			return err
		}
		index := tx.Bucket(bucketPendingIndex)
		key := index.Get([]byte(e.ProposalID))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketPending).Delete(key); err != nil {
			return err
		}
		return index.Delete([]byte(e.ProposalID))
	})
	if err != nil {
		return fmt.Errorf("commit execution: %w", err)
	}
	return nil
}

func (s *Store) SaveCursor(_ context.Context, topicID string, seq int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCursors)
		if raw := bucket.Get([]byte(topicID)); raw != nil && int64(binary.BigEndian.Uint64(raw)) >= seq {
			return nil
		}
		return bucket.Put([]byte(topicID), itob(uint64(seq)))
	})
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Load reads the full persisted state in insertion order.
func (s *Store) Load(_ context.Context) (state.Snapshot, error) {
	snap := state.Snapshot{
		Connections: []registry.Connection{},
		Pending:     []ledger.PendingProposal{},
		Executed:    []ledger.ExecutedProposal{},
		Cursors:     map[string]int64{},
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketConnections).ForEach(func(_, v []byte) error {
			var c registry.Connection
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decode connection: %w", err)
			}
			snap.Connections = append(snap.Connections, c)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPending).ForEach(func(_, v []byte) error {
			var p ledger.PendingProposal
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decode pending proposal: %w", err)
			}
			snap.Pending = append(snap.Pending, p)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketExecuted).ForEach(func(_, v []byte) error {
			var e ledger.ExecutedProposal
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode executed proposal: %w", err)
			}
			snap.Executed = append(snap.Executed, e)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketCursors).ForEach(func(k, v []byte) error {
			snap.Cursors[string(k)] = int64(binary.BigEndian.Uint64(v))
			return nil
		})
	})
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("load bolt store: %w", err)
	}
	return snap, nil
}

// insertUnique appends record to bucket under the next sequence key unless
// uniqueKey is already present in index.
func insertUnique(tx *bolt.Tx, bucket, index []byte, uniqueKey string, record any) error {
	idx := tx.Bucket(index)
	if idx.Get([]byte(uniqueKey)) != nil {
		return nil
	}
	b := tx.Bucket(bucket)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := itob(seq)
	if err := b.Put(key, encoded); err != nil {
		return err
	}
	return idx.Put([]byte(uniqueKey), key)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
