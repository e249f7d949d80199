// Package storage keeps the audit trail of the trust gate in BoltDB: one
// record per verification decision, plus the history of feature selection
// runs that produced the served artifacts.
//
// Records are JSON values keyed "<identity>_<unix-nanos>_<request-id>" so a
// cursor seek gives time-ordered range scans per identity.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	decisionsBucket    = "decisions"     // verification and inference outcomes
	selectorRunsBucket = "selector_runs" // feature selection history

	dbFile = "sentinel.db"
)

// Store provides persistent storage backed by BoltDB.
type Store struct {
	db *bbolt.DB
}

// Decision is the audit record of one submitted record. Label is nil when
// the record never reached inference.
type Decision struct {
	RequestID   string    `json:"request_id"`
	Identity    string    `json:"identity"`
	Source      string    `json:"source"`
	Valid       bool      `json:"valid"`
	State       string    `json:"state"`
	ModelID     string    `json:"model_id,omitempty"`
	Label       *int      `json:"label,omitempty"`
	Probability float64   `json:"probability,omitempty"`
	Error       string    `json:"error,omitempty"`
	Ts          time.Time `json:"ts"`
}

// New opens (or creates) the database under dataPath and makes sure every
// bucket exists.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, dbFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{decisionsBucket, selectorRunsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Closing twice is harmless.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func decisionKey(identity string, ts time.Time, requestID string) []byte {
	return []byte(fmt.Sprintf("%s_%d_%s", identity, ts.UnixNano(), requestID))
}

// RecordDecision appends d to the audit trail. A zero timestamp is set to now.
func (s *Store) RecordDecision(d Decision) error {
	if d.Ts.IsZero() {
		d.Ts = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(decisionsBucket))

		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal decision: %w", err)
		}
		return b.Put(decisionKey(d.Identity, d.Ts, d.RequestID), data)
	})
}

// GetDecisions returns the decisions recorded for identity between start and
// end inclusive, oldest first.
func (s *Store) GetDecisions(identity string, start, end time.Time) ([]Decision, error) {
	var out []Decision

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(decisionsBucket)).Cursor()

		prefix := []byte(identity + "_")
		startKey := []byte(fmt.Sprintf("%s_%d", identity, start.UnixNano()))
		// the request id suffix sorts after the bare timestamp, so bound on
		// the next nanosecond
		endKey := []byte(fmt.Sprintf("%s_%d", identity, end.UnixNano()+1))

		for k, v := c.Seek(startKey); k != nil && bytes.Compare(k, endKey) < 0; k, v = c.Next() {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			var d Decision
			if err := json.Unmarshal(v, &d); err != nil {
				continue // skip malformed records
			}
			out = append(out, d)
		}
		return nil
	})

	return out, err
}

// RecentDecisions returns up to limit decisions across all identities,
// newest first.
func (s *Store) RecentDecisions(limit int) ([]Decision, error) {
	var out []Decision

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(decisionsBucket)).ForEach(func(_, v []byte) error {
			var d Decision
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			out = append(out, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Ts.After(out[j].Ts) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DecisionStats counts decisions by outcome.
type DecisionStats struct {
	Total     int `json:"total"`
	Trusted   int `json:"trusted"`
	Untrusted int `json:"untrusted"`
	Anomalies int `json:"anomalies"`
	Errors    int `json:"errors"`
}

// Stats aggregates the whole audit trail.
func (s *Store) Stats() (DecisionStats, error) {
	var st DecisionStats
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(decisionsBucket)).ForEach(func(_, v []byte) error {
			var d Decision
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			st.Total++
			if d.Valid {
				st.Trusted++
			} else {
				st.Untrusted++
			}
			if d.Label != nil && *d.Label == 1 {
				st.Anomalies++
			}
			if d.Error != "" {
				st.Errors++
			}
			return nil
		})
	})
	return st, err
}
