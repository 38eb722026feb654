package store

import (
	"context"

	"github.com/pingcap/errors"
)

// Row is a single record in a table, as returned by the remote store.
type Row map[string]interface{}

// FieldID is the key every row's identifier is stored under.
const FieldID = "id"

// Kind is the kind of a write operation.
type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	}
	return "unknown"
}

// ParseKind parses the wire form of a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "insert":
		return KindInsert, nil
	case "update":
		return KindUpdate, nil
	case "delete":
		return KindDelete, nil
	}
	return 0, errors.Errorf("unknown operation kind %q", s)
}

// ErrRowNotFound is returned when an update or delete targets a row that does
// not exist, or DeleteByID targets an absent id.
var ErrRowNotFound = errors.New("row not found")

// ApplyResult carries everything the coordinator needs to later compensate the
// write: the id the store assigned to an insert, and the prior row state for an
// update or delete. PreImage is captured by the adapter before the write takes
// effect.
type ApplyResult struct {
	AssignedID string
	PreImage   Row
}

// Adapter abstracts the remote data store. Each write is atomic for a single
// row only; the store offers no cross-row or cross-table transaction primitive.
// Every method is a blocking network call and honors ctx cancellation.
type Adapter interface {
	// Apply performs one write. For updates and deletes the payload must
	// carry the target row's id under FieldID.
	Apply(ctx context.Context, table string, kind Kind, payload Row) (*ApplyResult, error)
	// Replace overwrites the row with id so it equals row exactly, restoring
	// it if it is absent. Unlike an update it merges nothing; fields missing
	// from row are removed. Compensation uses this to write a pre-image back
	// verbatim.
	Replace(ctx context.Context, table string, id string, row Row) error
	// Read returns the rows of table matching every field of filter. A nil
	// filter matches all rows.
	Read(ctx context.Context, table string, filter Row) ([]Row, error)
	// DeleteByID removes a single row. Deleting an absent row returns
	// ErrRowNotFound.
	DeleteByID(ctx context.Context, table string, id string) error
}

// Clone returns a deep-enough copy of r for pre-image capture. Values are
// copied by assignment, which is sufficient for the scalar JSON types the
// store returns.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// ID returns the row's identifier, if present.
func (r Row) ID() (string, bool) {
	v, ok := r[FieldID]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
