package restsaga

/*
RestSaga is a write transaction coordinator and cache-coherence layer for remote, REST-only
data stores that offer no native multi-table transaction support. A caller submits a set of
related write operations against several independent tables and RestSaga makes them behave
as one atomic unit: either all operations take effect, or every already-applied operation is
undone by a compensating write in reverse order.

The `restsaga` module is organized into the following packages:

* `txn`: the transaction coordinator, per-operation write validation, and the compensation
  engine that reverses applied operations when a later step fails.
* `txnlog`: the durable transaction log used for recovery and audit, backed by badger.
* `store`: the store adapter abstraction, with a rate-limited REST client implementation and
  an in-memory implementation for testing.
* `cache`: the table-to-cache-key dependency map and the invalidation manager that purges
  dependent cached entries after a transaction commits.
* `worker`: the channel worker used to run post-commit cache invalidation off the request
  path.
* `config`: process configuration.
* `log`: leveled logging.
*/
