package thread

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	threadmodel "github.com/zhouzirui/voicebridge/backend/internal/model/thread"
)

const keyPrefix = "thread/"

// BadgerStore 基于 badger 的持久化线程存储，值使用 msgpack 编码。
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a store in dir. An empty dir opens an in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open thread store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(_ context.Context, id string) (threadmodel.Thread, error) {
	var t threadmodel.Thread
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		t, err = readThread(txn, id)
		return err
	})
	return t, err
}

func (s *BadgerStore) Create(_ context.Context, t threadmodel.Thread) error {
	if t.ID == "" {
		return ErrThreadID
	}
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(threadKey(t.ID))
		if err == nil {
			return ErrThreadExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeThread(txn, t)
	})
}

func (s *BadgerStore) Touch(_ context.Context, id string, at time.Time) (threadmodel.Thread, error) {
	var out threadmodel.Thread
	err := s.update(id, func(t *threadmodel.Thread) {
		t.LastSeen = at
		t.Sessions++
		out = *t
	})
	return out, err
}

func (s *BadgerStore) Append(_ context.Context, id string, u threadmodel.Utterance) error {
	return s.update(id, func(t *threadmodel.Thread) {
		t.Utterances = append(t.Utterances, u)
		if u.At.After(t.LastSeen) {
			t.LastSeen = u.At
		}
	})
}

func (s *BadgerStore) List(_ context.Context) ([]threadmodel.Summary, error) {
	var out []threadmodel.Summary
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(keyPrefix), PrefetchValues: true, PrefetchSize: 32})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var t threadmodel.Thread
			if err := msgpack.Unmarshal(val, &t); err != nil {
				return fmt.Errorf("decode thread %s: %w", it.Item().Key(), err)
			}
			out = append(out, t.Summarize())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// update 在单个事务内读改写；冲突时 badger 返回 ErrConflict，调用方重试一次。
func (s *BadgerStore) update(id string, fn func(t *threadmodel.Thread)) error {
	op := func(txn *badger.Txn) error {
		t, err := readThread(txn, id)
		if err != nil {
			return err
		}
		fn(&t)
		return writeThread(txn, t)
	}
	err := s.db.Update(op)
	if errors.Is(err, badger.ErrConflict) {
		err = s.db.Update(op)
	}
	return err
}

func readThread(txn *badger.Txn, id string) (threadmodel.Thread, error) {
	item, err := txn.Get(threadKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return threadmodel.Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return threadmodel.Thread{}, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return threadmodel.Thread{}, err
	}
	var t threadmodel.Thread
	if err := msgpack.Unmarshal(val, &t); err != nil {
		return threadmodel.Thread{}, fmt.Errorf("decode thread %s: %w", id, err)
	}
	return t, nil
}

func writeThread(txn *badger.Txn, t threadmodel.Thread) error {
	data, err := msgpack.Marshal(&t)
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", t.ID, err)
	}
	return txn.Set(threadKey(t.ID), data)
}

func threadKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// badgerLogger 只转发 warning 与 error。
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	log.Printf("[thread] badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Warningf(format string, args ...any) {
	log.Printf("[thread] badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}
