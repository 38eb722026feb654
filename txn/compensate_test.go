package txn

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restsaga/restsaga/store"
)

func newTestCompensator(ms *store.MemStore) *compensator {
	return &compensator{
		store:       ms,
		retries:     3,
		backoffBase: time.Millisecond,
		backoffCap:  4 * time.Millisecond,
		callTimeout: 50 * time.Millisecond,
	}
}

func appliedInsert(table string, id string) *Operation {
	return &Operation{Table: table, Kind: store.KindInsert, AssignedID: id, Applied: true}
}

func TestCompensateReversesAllKinds(t *testing.T) {
	ms := store.NewMemStore()
	ms.Set("invoices", "inv-1", store.Row{"status": "posted"})

	ops := []*Operation{
		appliedInsert("customers", "cus-1"),
		{
			Table: "invoices", Kind: store.KindUpdate, Applied: true,
			AssignedID: "inv-1",
			PreImage:   store.Row{store.FieldID: "inv-1", "status": "draft"},
		},
		{
			Table: "payments", Kind: store.KindDelete, Applied: true,
			AssignedID: "pay-9",
			PreImage:   store.Row{store.FieldID: "pay-9", "amount": 5.0},
		},
	}
	ms.Set("customers", "cus-1", store.Row{"name": "ACME"})

	residual, err := newTestCompensator(ms).compensate(context.Background(), ops)
	require.NoError(t, err)
	assert.Empty(t, residual)

	// insert undone by delete, update undone by pre-image write-back, delete
	// undone by re-insert.
	assert.Nil(t, ms.Get("customers", "cus-1"))
	assert.Equal(t, "draft", ms.Get("invoices", "inv-1")["status"])
	assert.Equal(t, 5.0, ms.Get("payments", "pay-9")["amount"])
	for _, op := range ops {
		assert.False(t, op.Applied)
	}
}

// Writing the pre-image back must remove fields the forward update added, not
// just revert the ones it changed.
func TestCompensateUpdateRestoresExactPreImage(t *testing.T) {
	ms := store.NewMemStore()
	// Row state after a forward update that set a brand new field.
	ms.Set("invoices", "inv-1", store.Row{"status": "posted", "approved_by": "alice"})

	ops := []*Operation{{
		Table: "invoices", Kind: store.KindUpdate, Applied: true,
		AssignedID: "inv-1",
		PreImage:   store.Row{store.FieldID: "inv-1", "status": "draft"},
	}}
	residual, err := newTestCompensator(ms).compensate(context.Background(), ops)
	require.NoError(t, err)
	assert.Empty(t, residual)

	got := ms.Get("invoices", "inv-1")
	assert.Equal(t, store.Row{store.FieldID: "inv-1", "status": "draft"}, got)
	_, leftover := got["approved_by"]
	assert.False(t, leftover)
}

func TestCompensateStrictReverseOrder(t *testing.T) {
	ms := store.NewMemStore()
	var order []string
	ms.DeleteHook = func(table string, id string) error {
		order = append(order, id)
		return nil
	}
	ops := []*Operation{
		appliedInsert("customers", "a"),
		appliedInsert("customers", "b"),
		appliedInsert("customers", "c"),
	}
	for _, op := range ops {
		ms.Set(op.Table, op.AssignedID, store.Row{})
	}

	_, err := newTestCompensator(ms).compensate(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestCompensateSkipsUnappliedOperations(t *testing.T) {
	ms := store.NewMemStore()
	calls := 0
	ms.DeleteHook = func(table string, id string) error {
		calls++
		return nil
	}
	ops := []*Operation{
		appliedInsert("customers", "a"),
		{Table: "customers", Kind: store.KindInsert, Applied: false},
	}
	ms.Set("customers", "a", store.Row{})

	_, err := newTestCompensator(ms).compensate(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// Re-running compensation on an already-compensated list is a no-op.
func TestCompensateIdempotent(t *testing.T) {
	ms := store.NewMemStore()
	ms.Set("customers", "a", store.Row{})
	ops := []*Operation{appliedInsert("customers", "a")}
	comp := newTestCompensator(ms)

	_, err := comp.compensate(context.Background(), ops)
	require.NoError(t, err)
	calls := 0
	ms.DeleteHook = func(table string, id string) error {
		calls++
		return nil
	}
	_, err = comp.compensate(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
}

// Deleting a row that is already gone counts as compensated.
func TestCompensateInsertRowAlreadyGone(t *testing.T) {
	ms := store.NewMemStore()
	ops := []*Operation{appliedInsert("customers", "vanished")}

	residual, err := newTestCompensator(ms).compensate(context.Background(), ops)
	require.NoError(t, err)
	assert.Empty(t, residual)
	assert.False(t, ops[0].Applied)
}

func TestCompensateRetriesThenSucceeds(t *testing.T) {
	ms := store.NewMemStore()
	ms.Set("customers", "a", store.Row{})
	failures := 2
	ms.DeleteHook = func(table string, id string) error {
		if failures > 0 {
			failures--
			return errors.New("connection reset")
		}
		return nil
	}

	_, err := newTestCompensator(ms).compensate(context.Background(), []*Operation{appliedInsert("customers", "a")})
	require.NoError(t, err)
	assert.Equal(t, 0, failures)
}

// The first non-compensatable operation halts compensation of the remaining,
// older operations so the residue is one contiguous worklist.
func TestCompensateStopsOnFirstFailure(t *testing.T) {
	ms := store.NewMemStore()
	for _, id := range []string{"a", "b", "c"} {
		ms.Set("customers", id, store.Row{})
	}
	ms.DeleteHook = func(table string, id string) error {
		if id == "b" {
			return errors.New("delete rejected")
		}
		return nil
	}
	ops := []*Operation{
		appliedInsert("customers", "a"),
		appliedInsert("customers", "b"),
		appliedInsert("customers", "c"),
	}

	residual, err := newTestCompensator(ms).compensate(context.Background(), ops)
	require.Error(t, err)
	nc, ok := err.(*NonCompensatableError)
	require.True(t, ok)
	assert.Equal(t, 1, nc.Index)
	// c was compensated; a and b remain applied.
	assert.Equal(t, []int{0, 1}, residual)
	assert.True(t, ops[0].Applied)
	assert.True(t, ops[1].Applied)
	assert.False(t, ops[2].Applied)
	// a's delete was never attempted after b failed.
	assert.NotNil(t, ms.Get("customers", "a"))
}
