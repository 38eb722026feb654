package txnlog

import (
	"sort"
	"sync"

	"github.com/pingcap/errors"
)

// MemLog is a Log backed by memory. It is intended for testing only.
type MemLog struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemLog() *MemLog {
	return &MemLog{records: make(map[string]*Record)}
}

func (l *MemLog) Put(r *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[r.ID] = r.Clone()
	return nil
}

func (l *MemLog) Get(id string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return nil, errors.Annotatef(ErrNotFound, "%s", id)
	}
	return r.Clone(), nil
}

func (l *MemLog) Scan(fn func(r *Record) bool) error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.records))
	for id := range l.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshot := make([]*Record, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, l.records[id].Clone())
	}
	l.mu.Unlock()

	for _, r := range snapshot {
		if !fn(r) {
			return nil
		}
	}
	return nil
}

func (l *MemLog) Delete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, id)
	return nil
}

func (l *MemLog) Close() error {
	return nil
}

// Len returns the number of stored records. Test helper.
func (l *MemLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
