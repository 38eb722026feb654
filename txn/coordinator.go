package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/restsaga/restsaga/cache"
	"github.com/restsaga/restsaga/config"
	"github.com/restsaga/restsaga/log"
	"github.com/restsaga/restsaga/store"
	"github.com/restsaga/restsaga/txnlog"
)

// Result is what the business layer gets back from Execute. Status is always
// terminal. When it is failed, NonCompensatable enumerates the operations
// (Begin order indexes) left applied in the store for manual reconciliation.
type Result struct {
	TxnID  string
	Status txnlog.Status
	// OperationsSucceeded counts operations applied before the transaction's
	// outcome was decided; OperationsFailed is 1 for the single operation
	// that stopped it, or 0 on commit. Operations after the failing one are
	// never attempted and counted in neither.
	OperationsSucceeded int
	OperationsFailed    int
	// AssignedIDs holds, per operation in Begin order, the id the store
	// assigned or targeted. Only meaningful for a committed transaction.
	AssignedIDs      []string
	NonCompensatable []int
	ErrDetail        string
}

// Coordinator owns the transaction state machine. Transactions run
// concurrently as independent units, bounded by MaxConcurrentTxns; operations
// within one transaction are strictly sequential because compensation
// correctness depends on a well-defined apply/undo order.
type Coordinator struct {
	conf      *config.Config
	store     store.Adapter
	logStore  txnlog.Log
	validator *Validator
	comp      *compensator
	inv       *cache.Invalidator

	sem chan struct{}

	mu      sync.Mutex
	pending map[string][]*Operation
}

func NewCoordinator(conf *config.Config, s store.Adapter, l txnlog.Log, v *Validator, inv *cache.Invalidator) *Coordinator {
	c := &Coordinator{
		conf:      conf,
		store:     s,
		logStore:  l,
		validator: v,
		comp: &compensator{
			store:       s,
			retries:     conf.StoreRetries,
			backoffBase: conf.RetryBackoffBase,
			backoffCap:  conf.RetryBackoffCap,
			callTimeout: conf.StoreTimeout,
		},
		inv:     inv,
		pending: make(map[string][]*Operation),
	}
	if conf.MaxConcurrentTxns > 0 {
		c.sem = make(chan struct{}, conf.MaxConcurrentTxns)
	}
	return c
}

// Start launches the background invalidation worker. wg is released once Stop
// has been called and queued invalidations have drained.
func (c *Coordinator) Start(wg *sync.WaitGroup) {
	c.inv.Start(wg)
}

func (c *Coordinator) Stop() {
	c.inv.Stop()
}

// Begin registers a transaction and writes its active log record. The
// operation list is fixed here; later mutation of the caller's slice or
// payloads has no effect on the transaction.
func (c *Coordinator) Begin(ops []*Operation, initiator string) (string, error) {
	if len(ops) == 0 {
		return "", errors.Annotatef(ErrInvalidArgument, "empty operation list")
	}
	for _, op := range ops {
		if !c.validator.TableAllowed(op.Table) {
			return "", errors.Annotatef(ErrInvalidArgument, "table %q is not on the allow-list", op.Table)
		}
	}

	id := uuid.New().String()
	rec := &txnlog.Record{
		ID:              id,
		Status:          txnlog.StatusActive,
		StartedAt:       time.Now().UTC(),
		OperationsTotal: len(ops),
		Initiator:       initiator,
	}
	if err := c.logStore.Put(rec); err != nil {
		return "", errors.Annotatef(err, "writing active log record")
	}

	c.mu.Lock()
	c.pending[id] = cloneOperations(ops)
	c.mu.Unlock()

	log.Debugf("transaction %s begun with %d operations by %s", id, len(ops), initiator)
	return id, nil
}

// Execute runs a begun transaction to a terminal status. The caller's ctx
// bounds the forward (apply) phase only; if it expires mid-execution the
// current step counts as failed and compensation proceeds under its own
// budget, so partial application can never become permanent just because the
// caller gave up.
func (c *Coordinator) Execute(ctx context.Context, id string) (*Result, error) {
	c.mu.Lock()
	ops, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		rec, err := c.logStore.Get(id)
		if err != nil {
			return nil, errors.Annotatef(ErrNotFound, "%s", id)
		}
		return nil, errors.Annotatef(ErrAlreadyExecuted, "%s is %s", id, rec.Status)
	}

	if c.sem != nil {
		c.sem <- struct{}{}
		defer func() { <-c.sem }()
	}

	applied := 0
	var stepErr error
	for _, op := range ops {
		if err := c.validator.Validate(ctx, op); err != nil {
			op.Err = err
			stepErr = err
			break
		}
		res, err := c.applyOne(ctx, op)
		if err != nil {
			op.Err = err
			stepErr = err
			break
		}
		op.AssignedID = res.AssignedID
		op.PreImage = res.PreImage
		op.Applied = true
		applied++
	}

	if stepErr == nil {
		c.setTerminal(id, txnlog.StatusCommitted, applied, "", nil)
		c.inv.Submit(tablesTouched(ops))
		return &Result{
			TxnID:               id,
			Status:              txnlog.StatusCommitted,
			OperationsSucceeded: applied,
			AssignedIDs:         assignedIDs(ops),
		}, nil
	}

	log.Warnf("transaction %s aborting after %d applied operations: %v", id, applied, stepErr)

	// Compensation never inherits the caller's deadline: an expired one would
	// make partial application permanent.
	compCtx, cancel := context.WithTimeout(context.Background(), c.conf.CompensationTimeout)
	defer cancel()
	residual, compErr := c.comp.compensate(compCtx, ops)

	result := &Result{
		TxnID:               id,
		Status:              txnlog.StatusRolledBack,
		OperationsSucceeded: applied,
		OperationsFailed:    1,
		ErrDetail:           stepErr.Error(),
	}
	if compErr != nil {
		result.Status = txnlog.StatusFailed
		result.NonCompensatable = residual
		result.ErrDetail = stepErr.Error() + "; " + compErr.Error()
		log.Errorf("transaction %s failed: %d operations need manual reconciliation", id, len(residual))
	}
	c.setTerminal(id, result.Status, applied, result.ErrDetail, residual)
	return result, nil
}

// BeginAndExecute is the one-call form used by the business layer. A positive
// timeout bounds the apply phase.
func (c *Coordinator) BeginAndExecute(ctx context.Context, ops []*Operation, initiator string, timeout time.Duration) (*Result, error) {
	id, err := c.Begin(ops, initiator)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.Execute(ctx, id)
}

// GetStatus returns a snapshot of the transaction's log record.
func (c *Coordinator) GetStatus(id string) (*txnlog.Record, error) {
	rec, err := c.logStore.Get(id)
	if err != nil {
		if errors.Cause(err) == txnlog.ErrNotFound {
			return nil, errors.Annotatef(ErrNotFound, "%s", id)
		}
		return nil, err
	}
	return rec, nil
}

// Cleanup purges terminal log records whose transaction completed more than
// olderThan ago, returning the number purged. Active records are never
// touched, so it is safe to run while transactions execute.
func (c *Coordinator) Cleanup(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var purge []string
	err := c.logStore.Scan(func(r *txnlog.Record) bool {
		if r.Status.Terminal() && !r.CompletedAt.IsZero() && r.CompletedAt.Before(cutoff) {
			purge = append(purge, r.ID)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range purge {
		if err := c.logStore.Delete(id); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		log.Infof("cleanup purged %d transaction log records", purged)
	}
	return purged, nil
}

// InvalidationStats exposes the cache invalidator's counters.
func (c *Coordinator) InvalidationStats() cache.InvalidationStats {
	return c.inv.Stats()
}

// applyOne performs one store write with the configured per-call timeout and
// bounded retries. A timeout counts exactly like any other apply failure.
func (c *Coordinator) applyOne(ctx context.Context, op *Operation) (*store.ApplyResult, error) {
	var res *store.ApplyResult
	err := withRetry(ctx, c.conf.StoreRetries, c.conf.RetryBackoffBase, c.conf.RetryBackoffCap, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.conf.StoreTimeout)
		defer cancel()
		var err error
		res, err = c.store.Apply(callCtx, op.Table, op.Kind, op.Payload)
		return err
	})
	if err != nil {
		return nil, errors.Annotatef(err, "applying %s on %s", op.Kind, op.Table)
	}
	return res, nil
}

// setTerminal moves the log record to a terminal status. Transitions are
// one-way; a record already terminal is left untouched.
func (c *Coordinator) setTerminal(id string, status txnlog.Status, succeeded int, notes string, residual []int) {
	rec, err := c.logStore.Get(id)
	if err != nil {
		log.Errorf("transaction %s: reading log record: %v", id, err)
		return
	}
	if rec.Status != txnlog.StatusActive {
		log.Errorf("transaction %s: refusing transition %s -> %s", id, rec.Status, status)
		return
	}
	rec.Status = status
	rec.CompletedAt = time.Now().UTC()
	rec.OperationsSucceeded = succeeded
	rec.Notes = notes
	rec.NonCompensatable = residual
	if err := c.logStore.Put(rec); err != nil {
		// The in-store record stays active; recovery has to resolve it from
		// the store's actual row state.
		log.Errorf("transaction %s: writing terminal log record: %v", id, err)
	}
}

func assignedIDs(ops []*Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.AssignedID
	}
	return ids
}
