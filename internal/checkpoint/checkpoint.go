// Package checkpoint persists orchestrator state transitions to bbolt so a
// run can be diagnosed after the fact.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/taginventory/pkg/resource"
)

var (
	bucketRuns        = []byte("runs")
	bucketTransitions = []byte("transitions")
)

// ErrNotFound is returned when no checkpoint exists for a run.
var ErrNotFound = errors.New("checkpoint not found")

// Branch is the last known state of one region's search.
type Branch struct {
	Region    string `json:"region"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts,omitempty"`
	Resources int    `json:"resources,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Checkpoint is the latest persisted state of a run.
type Checkpoint struct {
	RunID     string             `json:"run_id"`
	State     string             `json:"state"`
	Manifest  *resource.Manifest `json:"manifest,omitempty"`
	Branches  []Branch           `json:"branches,omitempty"`
	Note      string             `json:"note,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Transition is one recorded state change.
type Transition struct {
	RunID string    `json:"run_id"`
	Seq   uint64    `json:"seq"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// Store is a bbolt-backed checkpoint store. Safe for concurrent use by
// overlapping runs.
type Store struct {
	mu sync.Mutex
	db *bbolt.DB
}

// Open opens or creates the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketTransitions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores cp as the run's latest checkpoint. When the state differs
// from the previous checkpoint a transition is appended.
func (s *Store) Save(cp Checkpoint) error {
	if cp.RunID == "" {
		return errors.New("checkpoint has no run id")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)

		from := ""
		if prev := runs.Get([]byte(cp.RunID)); prev != nil {
			var old Checkpoint
			if err := json.Unmarshal(prev, &old); err != nil {
				return fmt.Errorf("decode previous checkpoint: %w", err)
			}
			from = old.State
		}

		value, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("encode checkpoint: %w", err)
		}
		if err := runs.Put([]byte(cp.RunID), value); err != nil {
			return err
		}

		if from == cp.State {
			return nil
		}

		transitions := tx.Bucket(bucketTransitions)
		seq, err := transitions.NextSequence()
		if err != nil {
			return err
		}
		t := Transition{RunID: cp.RunID, Seq: seq, From: from, To: cp.State, At: cp.UpdatedAt, Note: cp.Note}
		tv, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode transition: %w", err)
		}
		return transitions.Put(transitionKey(cp.RunID, seq), tv)
	})
}

// Get returns the latest checkpoint for runID.
func (s *Store) Get(runID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// List returns up to limit checkpoints, most recently updated first.
// limit <= 0 returns all.
func (s *Store) List(limit int) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var cp Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			out = append(out, cp)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transitions returns the recorded state changes of runID in order.
func (s *Store) Transitions(runID string) ([]Transition, error) {
	var out []Transition
	prefix := []byte(runID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTransitions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var t Transition
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func transitionKey(runID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", runID, seq))
}
