// Package badger provides a Badger-based implementation of storage.RecordStore.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/yyd/aurora/pkg/storage"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path             string
	SyncWrites       bool
	ValueLogFileSize int64
	// InMemory keeps the database off disk; Path is ignored.
	InMemory bool
}

// BadgerStorage implements storage.RecordStore on an embedded Badger DB.
// Records are stored as JSON under type-prefixed keys.
type BadgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage opens (or creates) the database.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return &BadgerStorage{db: db}, nil
}

// DB exposes the handle so other components (saga instances, dead
// letters) can share one database.
func (b *BadgerStorage) DB() *badger.DB { return b.db }

func sessionKey(id string) []byte   { return []byte("session:" + id) }
func messageKey(id string) []byte   { return []byte("message:" + id) }
func knowledgeKey(id string) []byte { return []byte("knowledge:" + id) }
func handoffKey(id string) []byte   { return []byte("handoff:" + id) }
func episodeKey(id string) []byte   { return []byte("episode:" + id) }

func messageIndexPrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("msgidx:%s:", sessionID))
}

func messageIndexKey(sessionID string, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("msgidx:%s:%020d:%s", sessionID, createdAt.UnixNano(), id))
}

func experienceKey(createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("experience:%020d:%s", createdAt.UnixNano(), id))
}

func serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

func deserialize(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

func getJSON(txn *badger.Txn, key []byte, entity, id string, v interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &storage.NotFoundError{EntityType: entity, ID: id}
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error { return deserialize(val, v) })
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := serialize(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scan calls fn with the value of every key under prefix, in key order.
func scan(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
			return err
		}
	}
	return nil
}

// update retries fn when Badger reports a transaction conflict.
func (b *BadgerStorage) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *BadgerStorage) CreateSession(ctx context.Context, s *storage.Session) error {
	return b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, sessionKey(s.ID))
		if err != nil {
			return err
		}
		if found {
			return &storage.DuplicateKeyError{EntityType: "session", ID: s.ID}
		}
		return setJSON(txn, sessionKey(s.ID), s)
	})
}

func (b *BadgerStorage) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	var s storage.Session
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, sessionKey(id), "session", id, &s)
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *BadgerStorage) UpdateSession(ctx context.Context, s *storage.Session, expectedVersion int64) error {
	next := s.Clone()
	next.Version = expectedVersion + 1
	err := b.db.Update(func(txn *badger.Txn) error {
		var cur storage.Session
		if err := getJSON(txn, sessionKey(s.ID), "session", s.ID, &cur); err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return &storage.ConflictError{EntityType: "session", ID: s.ID, Expected: expectedVersion, Actual: cur.Version}
		}
		return setJSON(txn, sessionKey(s.ID), next)
	})
	if errors.Is(err, badger.ErrConflict) {
		return &storage.ConflictError{EntityType: "session", ID: s.ID, Expected: expectedVersion, Actual: -1}
	}
	if err == nil {
		s.Version = next.Version
	}
	return err
}

func (b *BadgerStorage) ListSessions(ctx context.Context, filter storage.SessionFilter) ([]*storage.Session, error) {
	var out []*storage.Session
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte("session:"), func(_, val []byte) error {
			var s storage.Session
			if err := deserialize(val, &s); err != nil {
				return err
			}
			if filter.Matches(&s) {
				out = append(out, &s)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return storage.Head(out, filter.Limit), nil
}

func (b *BadgerStorage) AppendMessage(ctx context.Context, m *storage.Message) error {
	return b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, messageKey(m.ID))
		if err != nil {
			return err
		}
		if found {
			return &storage.DuplicateKeyError{EntityType: "message", ID: m.ID}
		}
		if err := setJSON(txn, messageKey(m.ID), m); err != nil {
			return err
		}
		return txn.Set(messageIndexKey(m.SessionID, m.CreatedAt, m.ID), []byte{})
	})
}

func (b *BadgerStorage) GetMessage(ctx context.Context, id string) (*storage.Message, error) {
	var m storage.Message
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, messageKey(id), "message", id, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (b *BadgerStorage) DeleteMessage(ctx context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		var m storage.Message
		if err := getJSON(txn, messageKey(id), "message", id, &m); err != nil {
			return err
		}
		if err := txn.Delete(messageIndexKey(m.SessionID, m.CreatedAt, m.ID)); err != nil {
			return err
		}
		return txn.Delete(messageKey(id))
	})
}

func (b *BadgerStorage) ListMessages(ctx context.Context, sessionID string, limit int) ([]*storage.Message, error) {
	var out []*storage.Message
	err := b.db.View(func(txn *badger.Txn) error {
		var ids []string
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messageIndexPrefix(sessionID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, key[strings.LastIndex(key, ":")+1:])
		}
		it.Close()

		for _, id := range storage.Limit(ids, limit) {
			var m storage.Message
			if err := getJSON(txn, messageKey(id), "message", id, &m); err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

func (b *BadgerStorage) SaveKnowledge(ctx context.Context, e *storage.KnowledgeEntry) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, knowledgeKey(e.ID), e)
	})
}

func (b *BadgerStorage) GetKnowledge(ctx context.Context, id string) (*storage.KnowledgeEntry, error) {
	var e storage.KnowledgeEntry
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, knowledgeKey(id), "knowledge", id, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (b *BadgerStorage) ListKnowledge(ctx context.Context, filter storage.KnowledgeFilter) ([]*storage.KnowledgeEntry, error) {
	var out []*storage.KnowledgeEntry
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte("knowledge:"), func(_, val []byte) error {
			var e storage.KnowledgeEntry
			if err := deserialize(val, &e); err != nil {
				return err
			}
			if filter.Matches(&e) {
				out = append(out, &e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return storage.Head(out, filter.Limit), nil
}

func (b *BadgerStorage) DeleteKnowledge(ctx context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, knowledgeKey(id))
		if err != nil {
			return err
		}
		if !found {
			return &storage.NotFoundError{EntityType: "knowledge", ID: id}
		}
		return txn.Delete(knowledgeKey(id))
	})
}

func (b *BadgerStorage) RecordKnowledgeUsage(ctx context.Context, id string, at time.Time) error {
	return b.update(func(txn *badger.Txn) error {
		var e storage.KnowledgeEntry
		if err := getJSON(txn, knowledgeKey(id), "knowledge", id, &e); err != nil {
			return err
		}
		e.UsageCount++
		e.LastUsedAt = &at
		return setJSON(txn, knowledgeKey(id), &e)
	})
}

func (b *BadgerStorage) AppendExperience(ctx context.Context, e *storage.Experience) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, experienceKey(e.CreatedAt, e.ID), e)
	})
}

func (b *BadgerStorage) ListExperiences(ctx context.Context, since time.Time, limit int) ([]*storage.Experience, error) {
	var out []*storage.Experience
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte("experience:"), func(_, val []byte) error {
			var e storage.Experience
			if err := deserialize(val, &e); err != nil {
				return err
			}
			if !e.CreatedAt.Before(since) {
				out = append(out, &e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return storage.Limit(out, limit), nil
}

func (b *BadgerStorage) CreateHandoff(ctx context.Context, h *storage.HandoffRecord) error {
	return b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, handoffKey(h.ID))
		if err != nil {
			return err
		}
		if found {
			return &storage.DuplicateKeyError{EntityType: "handoff", ID: h.ID}
		}
		return setJSON(txn, handoffKey(h.ID), h)
	})
}

func (b *BadgerStorage) GetHandoff(ctx context.Context, id string) (*storage.HandoffRecord, error) {
	var h storage.HandoffRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, handoffKey(id), "handoff", id, &h)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (b *BadgerStorage) UpdateHandoff(ctx context.Context, h *storage.HandoffRecord) error {
	return b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, handoffKey(h.ID))
		if err != nil {
			return err
		}
		if !found {
			return &storage.NotFoundError{EntityType: "handoff", ID: h.ID}
		}
		return setJSON(txn, handoffKey(h.ID), h)
	})
}

func (b *BadgerStorage) DeleteHandoff(ctx context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, handoffKey(id))
		if err != nil {
			return err
		}
		if !found {
			return &storage.NotFoundError{EntityType: "handoff", ID: id}
		}
		return txn.Delete(handoffKey(id))
	})
}

func (b *BadgerStorage) ListHandoffs(ctx context.Context, filter storage.HandoffFilter) ([]*storage.HandoffRecord, error) {
	var out []*storage.HandoffRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte("handoff:"), func(_, val []byte) error {
			var h storage.HandoffRecord
			if err := deserialize(val, &h); err != nil {
				return err
			}
			if filter.Matches(&h) {
				out = append(out, &h)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return storage.Head(out, filter.Limit), nil
}

func (b *BadgerStorage) SaveEpisode(ctx context.Context, e *storage.Episode) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, episodeKey(e.ID), e)
	})
}

func (b *BadgerStorage) GetEpisode(ctx context.Context, id string) (*storage.Episode, error) {
	var e storage.Episode
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, episodeKey(id), "episode", id, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (b *BadgerStorage) ListEpisodes(ctx context.Context, filter storage.EpisodeFilter) ([]*storage.Episode, error) {
	var out []*storage.Episode
	err := b.db.View(func(txn *badger.Txn) error {
		return scan(txn, []byte("episode:"), func(_, val []byte) error {
			var e storage.Episode
			if err := deserialize(val, &e); err != nil {
				return err
			}
			if filter.Matches(&e) {
				out = append(out, &e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return storage.Head(out, filter.Limit), nil
}

// Close closes the database.
func (b *BadgerStorage) Close() error {
	return b.db.Close()
}

var _ storage.RecordStore = (*BadgerStorage)(nil)
