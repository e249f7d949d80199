package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// SelectorRun records one offline feature selection.
type SelectorRun struct {
	Version        string    `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
	Indices        []int     `json:"indices"`
	Names          []string  `json:"names,omitempty"`
	Score          float64   `json:"score"`
	Fallback       bool      `json:"fallback"`
	Trimmed        bool      `json:"trimmed"`
	GenerationBest []float64 `json:"generation_best"`
	Rows           int       `json:"rows"`
}

// SaveSelectorRun stores run keyed by its timestamp.
func (s *Store) SaveSelectorRun(run SelectorRun) error {
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(selectorRunsBucket))

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal selector run: %w", err)
		}

		key := fmt.Sprintf("%020d_%s", run.Timestamp.UnixNano(), run.Version)
		return b.Put([]byte(key), data)
	})
}

// SelectorRuns returns every stored run, oldest first.
func (s *Store) SelectorRuns() ([]SelectorRun, error) {
	var runs []SelectorRun

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(selectorRunsBucket)).ForEach(func(_, v []byte) error {
			var run SelectorRun
			if err := json.Unmarshal(v, &run); err != nil {
				return nil
			}
			runs = append(runs, run)
			return nil
		})
	})

	return runs, err
}

// LatestSelectorRun returns the most recent run, or false when none exist.
func (s *Store) LatestSelectorRun() (SelectorRun, bool, error) {
	var (
		run   SelectorRun
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket([]byte(selectorRunsBucket)).Cursor().Last()
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &run); err != nil {
			return fmt.Errorf("unmarshal selector run: %w", err)
		}
		found = true
		return nil
	})
	return run, found, err
}
