// Package txn implements the single-active-transaction coordinator:
// operations accumulate in a buffered log and replay on commit through
// caller-supplied mutation functions; rollback restores each touched table
// from a snapshot taken at first touch.
package txn

import (
	"sync"

	litedocerrors "github.com/litedocdb/litedocdb/pkg/errors"
	"github.com/litedocdb/litedocdb/pkg/types"
)

// State is the coordinator's two-state machine.
type State int

const (
	Idle State = iota
	Active
)

// OpKind distinguishes the three operation shapes a transaction can buffer.
type OpKind int

const (
	OpWrite OpKind = iota
	OpDelete
	OpBulkWrite
)

// Op is one buffered operation.
type Op struct {
	Kind    OpKind
	Table   string
	Data    []types.Value // for OpWrite / OpBulkWrite
	Where   types.Value   // for OpDelete
	Options types.Value   // write options (e.g. append vs overwrite), opaque to the coordinator
}

// WriteFn, DeleteFn and BulkFn are the engine's real mutation entry points,
// invoked during Commit's replay.
type WriteFn func(table string, data []types.Value, options types.Value) error
type DeleteFn func(table string, where types.Value) error
type BulkFn func(table string, data []types.Value) error

// Coordinator holds at most one active transaction's state.
type Coordinator struct {
	mu        sync.Mutex
	state     State
	ops       []Op
	snapshots map[string][]types.Value
}

// New constructs an idle Coordinator.
func New() *Coordinator {
	return &Coordinator{state: Idle, snapshots: map[string][]types.Value{}}
}

// State reports the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin transitions Idle -> Active, clearing any stale ops/snapshots. It
// fails with ConflictError if a transaction is already active.
func (c *Coordinator) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Active {
		return &litedocerrors.ConflictError{Reason: "a transaction is already active"}
	}
	c.state = Active
	c.ops = nil
	c.snapshots = map[string][]types.Value{}
	return nil
}

// HasSnapshot reports whether table has already been snapshotted this
// transaction.
func (c *Coordinator) HasSnapshot(table string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.snapshots[table]
	return ok
}

// SaveSnapshot records table's pre-transaction records, the first time it
// is touched. Later calls for the same table are no-ops: the invariant is
// "snapshot reflects on-disk state before this transaction's first write,"
// and only the first touch sees that state.
func (c *Coordinator) SaveSnapshot(table string, records []types.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.snapshots[table]; ok {
		return
	}
	snapshot := make([]types.Value, len(records))
	copy(snapshot, records)
	c.snapshots[table] = snapshot
}

// Snapshot returns a table's saved pre-transaction records, for readers
// that must see pre-transaction state while a transaction is active.
func (c *Coordinator) Snapshot(table string) ([]types.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	records, ok := c.snapshots[table]
	return records, ok
}

// AddOperation appends op to the buffered log. It enforces the invariant
// that op.Table's snapshot already exists: StorageEngine calls
// SaveSnapshot first, and an op for an unsnapshotted table fails with
// ConflictError.
func (c *Coordinator) AddOperation(op Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active {
		return &litedocerrors.ConflictError{Reason: "no active transaction"}
	}
	if _, ok := c.snapshots[op.Table]; !ok {
		return &litedocerrors.ConflictError{Reason: "no snapshot saved for table " + op.Table}
	}
	c.ops = append(c.ops, op)
	return nil
}

// Commit replays every buffered op, in order, through the supplied
// mutation functions. On the first failure, replay stops and the
// coordinator unwinds to Idle without clearing snapshots — callers that
// still want the pre-transaction state restored must call Rollback
// themselves; the coordinator does not auto-rollback.
func (c *Coordinator) Commit(writeFn WriteFn, deleteFn DeleteFn, bulkFn BulkFn) error {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return &litedocerrors.ConflictError{Reason: "no active transaction"}
	}
	ops := make([]Op, len(c.ops))
	copy(ops, c.ops)
	c.mu.Unlock()

	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpWrite:
			err = writeFn(op.Table, op.Data, op.Options)
		case OpDelete:
			err = deleteFn(op.Table, op.Where)
		case OpBulkWrite:
			err = bulkFn(op.Table, op.Data)
		}
		if err != nil {
			c.mu.Lock()
			c.state = Idle
			c.mu.Unlock()
			return err
		}
	}

	c.mu.Lock()
	c.state = Idle
	c.ops = nil
	c.snapshots = map[string][]types.Value{}
	c.mu.Unlock()
	return nil
}

// RestoreFn is invoked once per snapshotted table during Rollback, to
// overwrite that table's on-disk/indexed state with its snapshot.
type RestoreFn func(table string, records []types.Value) error

// Rollback restores every snapshotted table via restoreFn and clears
// transaction state, transitioning Active -> Idle. A restore failure is
// surfaced to the caller, but the coordinator still resets to Idle — a
// wedged Active state would block every future Begin with no way out.
func (c *Coordinator) Rollback(restoreFn RestoreFn) error {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return &litedocerrors.ConflictError{Reason: "no active transaction"}
	}
	snapshots := c.snapshots
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = Idle
		c.ops = nil
		c.snapshots = map[string][]types.Value{}
		c.mu.Unlock()
	}()

	for table, records := range snapshots {
		if err := restoreFn(table, records); err != nil {
			return err
		}
	}
	return nil
}
