package store

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
)

// Pebble is a KV backed by a local Pebble database. One database serves all
// bridge instances on a host; callers namespace their keys by instance id.
type Pebble struct {
	db     *pebble.DB
	logger *slog.Logger
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string, logger *slog.Logger) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	logger.Debug("local store opened", "path", path)
	return &Pebble{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Get returns the value for key, or ok=false if absent.
func (p *Pebble) Get(key []byte) ([]byte, bool, error) {
	val, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	defer closer.Close()

	// Copy out: the returned slice is only valid until closer.Close.
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

// Set durably stores value under key. Writes are synced so a queued message
// survives a crash immediately after enqueue.
func (p *Pebble) Set(key, value []byte) error {
	if err := p.db.Set(key, value, pebble.Sync); err != nil {
		p.logger.Error("store set failed", "key", string(key), "error", err)
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (p *Pebble) Delete(key []byte) error {
	if err := p.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Scan iterates keys with the given prefix in ascending order.
func (p *Pebble) Scan(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("new iterator: %w", err)
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Error()
}
