// Package txn contains the transaction coordinator: the state machine that
// turns a list of independent single-row writes into one atomic unit, the
// pre-apply write validator, and the compensation engine that unwinds applied
// writes in reverse order when a later step fails.
package txn

import (
	"github.com/restsaga/restsaga/store"
)

// Operation is one write in a transaction. The coordinator fills in PreImage,
// AssignedID and Applied as the operation is applied; everything it needs to
// compensate the write is captured before the write takes effect.
type Operation struct {
	Table   string
	Kind    store.Kind
	Payload store.Row

	// PreImage is the prior row state, captured before apply. Required to
	// compensate an update or delete.
	PreImage store.Row
	// AssignedID is the identifier returned by the store. Required to
	// compensate an insert.
	AssignedID string
	Applied    bool
	Err        error
}

// Insert builds an insert operation.
func Insert(table string, payload store.Row) *Operation {
	return &Operation{Table: table, Kind: store.KindInsert, Payload: payload}
}

// Update builds an update operation. The payload must carry the target row's
// id under store.FieldID.
func Update(table string, payload store.Row) *Operation {
	return &Operation{Table: table, Kind: store.KindUpdate, Payload: payload}
}

// Delete builds a delete operation for the row with the given id.
func Delete(table string, id string) *Operation {
	return &Operation{Table: table, Kind: store.KindDelete, Payload: store.Row{store.FieldID: id}}
}

// clone copies the operation list so the coordinator's working set cannot be
// mutated by the caller after Begin returns.
func cloneOperations(ops []*Operation) []*Operation {
	out := make([]*Operation, len(ops))
	for i, op := range ops {
		c := *op
		c.Payload = op.Payload.Clone()
		c.PreImage = op.PreImage.Clone()
		out[i] = &c
	}
	return out
}

// tablesTouched returns the distinct tables of the given operations, in first
// occurrence order.
func tablesTouched(ops []*Operation) []string {
	seen := make(map[string]bool)
	var tables []string
	for _, op := range ops {
		if !seen[op.Table] {
			seen[op.Table] = true
			tables = append(tables, op.Table)
		}
	}
	return tables
}
