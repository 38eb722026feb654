package txnlog

import (
	"encoding/json"
	"os"

	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
)

var recordPrefix = []byte("txn_")

// BadgerLog is a Log backed by a badger database on disk.
type BadgerLog struct {
	db *badger.DB
}

func NewBadgerLog(dbPath string) (*BadgerLog, error) {
	opts := badger.DefaultOptions
	opts.Dir = dbPath
	opts.ValueDir = dbPath
	opts.SyncWrites = true
	if err := os.MkdirAll(dbPath, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &BadgerLog{db: db}, nil
}

func recordKey(id string) []byte {
	return append(append([]byte{}, recordPrefix...), id...)
}

func (l *BadgerLog) Put(r *Record) error {
	val, err := json.Marshal(r)
	if err != nil {
		return errors.WithStack(err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(r.ID), val)
	})
	return errors.WithStack(err)
}

func (l *BadgerLog) Get(id string) (*Record, error) {
	var r Record
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		return json.Unmarshal(val, &r)
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.Annotatef(ErrNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &r, nil
}

func (l *BadgerLog) Scan(fn func(r *Record) bool) error {
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(recordPrefix); it.ValidForPrefix(recordPrefix); it.Next() {
			val, err := it.Item().Value()
			if err != nil {
				return err
			}
			var r Record
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			if !fn(&r) {
				return nil
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

func (l *BadgerLog) Delete(id string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(id))
	})
	return errors.WithStack(err)
}

func (l *BadgerLog) Close() error {
	return errors.WithStack(l.db.Close())
}
