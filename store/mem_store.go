package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/petar/GoLLRB/llrb"
	"github.com/pingcap/errors"
)

// MemStore is a simple store adapter backed by memory for testing. Data is not
// written to disk, nor sent to a remote store. It is intended for testing only.
type MemStore struct {
	mu     sync.Mutex
	tables map[string]*llrb.LLRB
	nextID int

	// ApplyHook, if set, runs before every Apply; a non-nil return fails the
	// call without touching data. Used by tests to inject apply failures.
	ApplyHook func(table string, kind Kind, payload Row) error
	// DeleteHook is the same for DeleteByID, to inject compensation failures.
	DeleteHook func(table string, id string) error
	// ReplaceHook is the same for Replace.
	ReplaceHook func(table string, id string, row Row) error
}

type memRow struct {
	id  string
	row Row
}

func (r memRow) Less(than llrb.Item) bool {
	return r.id < than.(memRow).id
}

func NewMemStore() *MemStore {
	return &MemStore{tables: make(map[string]*llrb.LLRB)}
}

func (s *MemStore) table(name string) *llrb.LLRB {
	t, ok := s.tables[name]
	if !ok {
		t = llrb.New()
		s.tables[name] = t
	}
	return t
}

func (s *MemStore) Apply(ctx context.Context, table string, kind Kind, payload Row) (*ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ApplyHook != nil {
		if err := s.ApplyHook(table, kind, payload); err != nil {
			return nil, err
		}
	}

	t := s.table(table)
	switch kind {
	case KindInsert:
		id, ok := payload.ID()
		if !ok {
			s.nextID++
			id = fmt.Sprintf("%s-%d", table, s.nextID)
		}
		row := payload.Clone()
		row[FieldID] = id
		t.ReplaceOrInsert(memRow{id: id, row: row})
		return &ApplyResult{AssignedID: id}, nil
	case KindUpdate:
		id, ok := payload.ID()
		if !ok {
			return nil, errors.Errorf("update on %s without an id", table)
		}
		item := t.Get(memRow{id: id})
		if item == nil {
			return nil, errors.Annotatef(ErrRowNotFound, "update %s/%s", table, id)
		}
		prior := item.(memRow).row
		merged := prior.Clone()
		for k, v := range payload {
			merged[k] = v
		}
		t.ReplaceOrInsert(memRow{id: id, row: merged})
		return &ApplyResult{AssignedID: id, PreImage: prior.Clone()}, nil
	case KindDelete:
		id, ok := payload.ID()
		if !ok {
			return nil, errors.Errorf("delete on %s without an id", table)
		}
		item := t.Get(memRow{id: id})
		if item == nil {
			return nil, errors.Annotatef(ErrRowNotFound, "delete %s/%s", table, id)
		}
		prior := item.(memRow).row
		t.Delete(memRow{id: id})
		return &ApplyResult{AssignedID: id, PreImage: prior.Clone()}, nil
	}
	return nil, errors.Errorf("unknown operation kind %d", kind)
}

func (s *MemStore) Replace(ctx context.Context, table string, id string, row Row) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReplaceHook != nil {
		if err := s.ReplaceHook(table, id, row); err != nil {
			return err
		}
	}
	r := row.Clone()
	r[FieldID] = id
	s.table(table).ReplaceOrInsert(memRow{id: id, row: r})
	return nil
}

func (s *MemStore) Read(ctx context.Context, table string, filter Row) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []Row
	s.table(table).AscendGreaterOrEqual(memRow{}, func(item llrb.Item) bool {
		row := item.(memRow).row
		for k, v := range filter {
			if row[k] != v {
				return true
			}
		}
		rows = append(rows, row.Clone())
		return true
	})
	return rows, nil
}

func (s *MemStore) DeleteByID(ctx context.Context, table string, id string) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteHook != nil {
		if err := s.DeleteHook(table, id); err != nil {
			return err
		}
	}
	if s.table(table).Delete(memRow{id: id}) == nil {
		return errors.Annotatef(ErrRowNotFound, "%s/%s", table, id)
	}
	return nil
}

// Get returns a single row, or nil if absent. Test helper.
func (s *MemStore) Get(table string, id string) Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.table(table).Get(memRow{id: id})
	if item == nil {
		return nil
	}
	return item.(memRow).row.Clone()
}

// Set stores a row directly, bypassing hooks. Test helper.
func (s *MemStore) Set(table string, id string, row Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := row.Clone()
	r[FieldID] = id
	s.table(table).ReplaceOrInsert(memRow{id: id, row: r})
}

// Len returns the number of rows in table.
func (s *MemStore) Len(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table(table).Len()
}
