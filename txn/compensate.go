package txn

import (
	"context"
	"time"

	"github.com/pingcap/errors"

	"github.com/restsaga/restsaga/log"
	"github.com/restsaga/restsaga/store"
)

// compensator undoes already-applied operations in strict reverse order:
// insert by deleting the assigned id, update by writing back the pre-image,
// delete by re-inserting the pre-image. Each compensating write gets a bounded
// retry budget; the first write that exhausts it halts compensation so the
// remaining applied operations surface as one clearly enumerated worklist
// instead of an unpredictable patchwork of partially reverted state.
type compensator struct {
	store       store.Adapter
	retries     int
	backoffBase time.Duration
	backoffCap  time.Duration
	callTimeout time.Duration
}

// compensate unwinds the applied operations among ops, newest first. It
// returns the indexes of operations left applied when compensation could not
// finish, together with the error that stopped it. An empty residual means a
// full rollback.
func (c *compensator) compensate(ctx context.Context, ops []*Operation) ([]int, error) {
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if !op.Applied {
			// Never applied, or already compensated. Nothing to undo.
			continue
		}
		err := withRetry(ctx, c.retries, c.backoffBase, c.backoffCap, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
			return c.compensateOne(callCtx, op)
		})
		if err != nil {
			residual := appliedIndexes(ops[:i+1])
			return residual, &NonCompensatableError{Index: i, Op: op, Cause: err}
		}
		op.Applied = false
		log.Debugf("compensated %s on %s (id=%s)", op.Kind, op.Table, op.AssignedID)
	}
	return nil, nil
}

func (c *compensator) compensateOne(ctx context.Context, op *Operation) error {
	switch op.Kind {
	case store.KindInsert:
		err := c.store.DeleteByID(ctx, op.Table, op.AssignedID)
		if errors.Cause(err) == store.ErrRowNotFound {
			// The row is already gone; compensation is idempotent.
			return nil
		}
		return err
	case store.KindUpdate:
		// Write the pre-image back verbatim. A merge-style update would leave
		// behind any field the forward update introduced.
		return c.store.Replace(ctx, op.Table, op.AssignedID, op.PreImage)
	case store.KindDelete:
		_, err := c.store.Apply(ctx, op.Table, store.KindInsert, op.PreImage)
		return err
	}
	return errors.Errorf("unknown operation kind %d", op.Kind)
}

func appliedIndexes(ops []*Operation) []int {
	var idx []int
	for i, op := range ops {
		if op.Applied {
			idx = append(idx, i)
		}
	}
	return idx
}
