// Package boltstore persists the persistent nodes of an in-memory ensemble
// in a bbolt database so a single-host deployment survives restarts.
package boltstore

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/store/memory"
)

const (
	// fileMode restricts the database to the owner.
	fileMode = 0o600

	defaultTimeout = time.Second
)

var nodesBucket = []byte("nodes")

// Persister implements memory.Persister on top of bbolt.
type Persister struct {
	logger pslog.Logger
	db     *bolt.DB
	Path   string
}

var _ memory.Persister = (*Persister)(nil)

// Open opens (or creates) the database at path.
func Open(path string, logger pslog.Logger) (*Persister, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: create bucket: %w", err)
	}
	return &Persister{logger: logger, db: db, Path: path}, nil
}

// Load visits every stored node.
func (p *Persister) Load(visit func(path string, node memory.PersistedNode) error) error {
	return p.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(k, v []byte) error {
			var node memory.PersistedNode
			if err := json.Unmarshal(v, &node); err != nil {
				return fmt.Errorf("boltstore: decode %s: %w", k, err)
			}
			return visit(string(k), node)
		})
	})
}

// Put stores node under path.
func (p *Persister) Put(path string, node memory.PersistedNode) error {
	payload, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Put([]byte(path), payload)
	})
}

// Delete removes path.
func (p *Persister) Delete(path string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Delete([]byte(path))
	})
}

// Close closes the database.
func (p *Persister) Close() error {
	p.logger.Debug("store.bolt.close", "path", p.Path)
	return p.db.Close()
}
