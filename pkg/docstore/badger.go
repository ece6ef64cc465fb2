package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/moonguard/moonguard/pkg/core"
)

// BadgerStore persists documents in an embedded badger database. Keys are
// laid out as "<collection>/<key>" so a collection scan is a prefix
// iteration.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func storageKey(collection, key string) []byte {
	return []byte(collection + "/" + key)
}

func (s *BadgerStore) Get(ctx context.Context, collection, key string) (Document, error) {
	var doc Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(collection, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *BadgerStore) Put(ctx context.Context, collection, key string, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storageKey(collection, key), raw)
	})
}

func (s *BadgerStore) Query(ctx context.Context, collection string, filter Filter) ([]Keyed, error) {
	prefix := []byte(collection + "/")
	var out []Keyed
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var doc Document
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			})
			if err != nil {
				return err
			}
			if Matches(doc, filter) {
				out = append(out, Keyed{Key: string(item.Key()[len(prefix):]), Doc: doc})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Update(ctx context.Context, collection, key string, patch Document) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(collection, key))
		if err != nil {
			return err
		}
		var doc Document
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		}); err != nil {
			return err
		}
		for field, value := range patch {
			doc[field] = value
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return txn.Set(storageKey(collection, key), raw)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.ErrEntityNotFound
	}
	return err
}

func (s *BadgerStore) Delete(ctx context.Context, collection, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storageKey(collection, key))
	})
}
