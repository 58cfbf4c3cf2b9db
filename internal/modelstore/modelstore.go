// Package modelstore implements a key-addressed store for network weights,
// backed by a single sqlite database: one row per key, with the trainable
// variables gob-encoded into a blob. Parallel training loops share one store
// and save under their own keys.
package modelstore

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Load for an unknown key. Callers treat it as
// recoverable: they keep their freshly initialized weights.
var ErrNotFound = errors.New("model not found")

// DefaultKey is used when the caller doesn't name a model.
const DefaultKey = "dqn-2048"

// Store is a key-addressed weights store. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// varRecord is the serialized form of one variable.
type varRecord struct {
	Dims []int
	Data []float32
}

// Open creates or opens the store at the given file path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create store directory %q", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open model store %q", path)
	}
	if _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS models (
			key        TEXT PRIMARY KEY,
			steps      INTEGER NOT NULL,
			weights    BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to initialize model store %q", path)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save serializes the context's trainable variables under the key,
// overwriting any previous version.
func (s *Store) Save(key string, ctx *context.Context, steps int) error {
	records := make(map[string]varRecord)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		t := v.Value()
		rec := varRecord{Dims: slices.Clone(t.Shape().Dimensions)}
		tensors.ConstFlatData(t, func(flat []float32) {
			rec.Data = slices.Clone(flat)
		})
		records[v.Scope()+"/"+v.Name()] = rec
	})
	if len(records) == 0 {
		return errors.Errorf("no trainable variables to save under key %q", key)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return errors.Wrapf(err, "failed to encode weights for key %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO models (key, steps, weights, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			steps = excluded.steps,
			weights = excluded.weights,
			updated_at = excluded.updated_at`,
		key, steps, buf.Bytes(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrapf(err, "failed to save model %q", key)
	}
	klog.V(1).Infof("saved model %q (%d variables, %d train steps)", key, len(records), steps)
	return nil
}

// Load restores the context's trainable variables from the key and returns
// the stored train-step counter. Returns ErrNotFound for an unknown key.
//
// Variables present in the context but missing from the stored blob keep
// their current values; a shape mismatch is an error.
func (s *Store) Load(key string, ctx *context.Context) (steps int, err error) {
	s.mu.Lock()
	var blob []byte
	row := s.db.QueryRow(`SELECT steps, weights FROM models WHERE key = ?`, key)
	scanErr := row.Scan(&steps, &blob)
	s.mu.Unlock()
	if scanErr == sql.ErrNoRows {
		return 0, errors.Wrapf(ErrNotFound, "key %q", key)
	}
	if scanErr != nil {
		return 0, errors.Wrapf(scanErr, "failed to load model %q", key)
	}

	records := make(map[string]varRecord)
	if err = gob.NewDecoder(bytes.NewReader(blob)).Decode(&records); err != nil {
		return 0, errors.Wrapf(err, "failed to decode weights for key %q", key)
	}

	restored := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil || !v.Trainable {
			return
		}
		rec, ok := records[v.Scope()+"/"+v.Name()]
		if !ok {
			return
		}
		if !slices.Equal(rec.Dims, v.Value().Shape().Dimensions) {
			err = errors.Errorf("model %q: variable %s/%s has shape %v, stored %v",
				key, v.Scope(), v.Name(), v.Value().Shape().Dimensions, rec.Dims)
			return
		}
		v.SetValue(tensors.FromFlatDataAndDimensions(rec.Data, rec.Dims...))
		restored++
	})
	if err != nil {
		return 0, err
	}
	if restored < len(records) {
		klog.Warningf("model %q: %d stored variables had no matching context variable",
			key, len(records)-restored)
	}
	klog.V(1).Infof("loaded model %q (%d variables, %d train steps)", key, restored, steps)
	return steps, nil
}

// Keys lists the stored model keys.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT key FROM models ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list model keys")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err = rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "failed to scan model key")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
