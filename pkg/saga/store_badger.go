package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	dataPrefix  = "saga/data/"
	statePrefix = "saga/state/"
)

// BadgerStore stores instances as JSON in a Badger database, with a
// secondary index by state. The database may be shared with other stores.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("saga: badger db cannot be nil")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Save(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return errors.New("saga: instance cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("saga: marshal instance: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		previous, err := s.getInTxn(txn, inst.ID)
		switch {
		case err == nil && previous.State != inst.State:
			if err := txn.Delete(stateKey(previous.State.String(), inst.ID)); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
		if err := txn.Set(dataKey(inst.ID), data); err != nil {
			return err
		}
		return txn.Set(stateKey(inst.State.String(), inst.ID), nil)
	})
}

func (s *BadgerStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var inst *Instance
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		inst, err = s.getInTxn(txn, sagaID)
		return err
	})
	return inst, err
}

func (s *BadgerStore) List(ctx context.Context, filter ListFilter) ([]*Instance, int, error) {
	var all []*Instance
	err := s.db.View(func(txn *badger.Txn) error {
		if filter.State != "" {
			prefix := []byte(statePrefix + filter.State + ":")
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
				inst, err := s.getInTxn(txn, id)
				if err != nil {
					continue
				}
				all = append(all, inst)
			}
			return nil
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(dataPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var inst Instance
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &inst) }); err != nil {
				continue
			}
			all = append(all, &inst)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	page, total := paginate(all, filter)
	return page, total, nil
}

func (s *BadgerStore) Delete(ctx context.Context, sagaID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		inst, err := s.getInTxn(txn, sagaID)
		if err != nil {
			return err
		}
		if err := txn.Delete(dataKey(sagaID)); err != nil {
			return err
		}
		return txn.Delete(stateKey(inst.State.String(), sagaID))
	})
}

func (s *BadgerStore) getInTxn(txn *badger.Txn, sagaID string) (*Instance, error) {
	item, err := txn.Get(dataKey(sagaID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var inst Instance
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &inst) }); err != nil {
		return nil, fmt.Errorf("saga: decode instance %s: %w", sagaID, err)
	}
	return &inst, nil
}

func dataKey(id string) []byte { return []byte(dataPrefix + id) }

func stateKey(state, id string) []byte { return []byte(statePrefix + state + ":" + id) }
