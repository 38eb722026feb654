// Package txnlog is the durable transaction log. Every transaction leaves one
// record here, created when the transaction begins and updated exactly once
// more when it reaches a terminal status. Records are the source of truth for
// recovery and audit; they are only ever written as whole single-key values,
// relying on the backing store's per-key atomicity.
package txnlog

import (
	"time"

	"github.com/pingcap/errors"
)

// Status of a transaction. A record starts active and moves to exactly one of
// the terminal statuses; it never changes again afterwards.
type Status string

const (
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusFailed
}

// ErrNotFound is returned by Get for an unknown transaction id.
var ErrNotFound = errors.New("transaction not found")

// Record is the durable state of one transaction.
type Record struct {
	ID                  string    `json:"id"`
	Status              Status    `json:"status"`
	StartedAt           time.Time `json:"started_at"`
	CompletedAt         time.Time `json:"completed_at,omitempty"`
	OperationsTotal     int       `json:"operations_total"`
	OperationsSucceeded int       `json:"operations_succeeded"`
	Initiator           string    `json:"initiator,omitempty"`
	Notes               string    `json:"notes,omitempty"`
	// Indexes (zero-based) of operations that could not be compensated.
	// Only set on failed records; this is the manual reconciliation worklist.
	NonCompensatable []int `json:"non_compensatable,omitempty"`
}

func (r *Record) Clone() *Record {
	c := *r
	if r.NonCompensatable != nil {
		c.NonCompensatable = append([]int(nil), r.NonCompensatable...)
	}
	return &c
}

// Log is the durable log store. Implementations must make Put atomic per
// record.
type Log interface {
	Put(r *Record) error
	Get(id string) (*Record, error)
	// Scan visits every record until fn returns false. Visit order is by id.
	Scan(fn func(r *Record) bool) error
	Delete(id string) error
	Close() error
}
