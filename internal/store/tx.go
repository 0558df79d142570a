package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Collection names a logical partition of the store.
type Collection string

const (
	Records   Collection = "records"
	Queue     Collection = "sync_queue"
	Conflicts Collection = "conflicts"
	Meta      Collection = "meta"
)

// AllCollections is the scope used by maintenance operations.
var AllCollections = []Collection{Records, Queue, Conflicts, Meta}

var (
	// ErrNotFound is returned when a key has no value.
	ErrNotFound = errors.New("store: not found")

	// ErrOutOfScope is returned when a transaction touches a collection it did not declare.
	ErrOutOfScope = errors.New("store: collection not in transaction scope")

	// ErrReadOnly is returned when a View attempts a write.
	ErrReadOnly = errors.New("store: write in read-only transaction")

	// ErrImmutable is returned when writing over a resolved or failed conflict.
	ErrImmutable = errors.New("store: conflict is immutable once closed")
)

// Tx is a transaction handle scoped to a fixed set of collections.
// A Tx is only valid inside the callback it was passed to.
type Tx struct {
	tx       *sql.Tx
	scope    map[Collection]bool
	readOnly bool
}

func newTx(tx *sql.Tx, collections []Collection, readOnly bool) *Tx {
	scope := make(map[Collection]bool, len(collections))
	for _, c := range collections {
		scope[c] = true
	}
	return &Tx{tx: tx, scope: scope, readOnly: readOnly}
}

// read checks that c may be read in this transaction.
func (t *Tx) read(c Collection) error {
	if !t.scope[c] {
		return fmt.Errorf("%w: %s", ErrOutOfScope, c)
	}
	return nil
}

// write checks that c may be written in this transaction.
func (t *Tx) write(c Collection) error {
	if err := t.read(c); err != nil {
		return err
	}
	if t.readOnly {
		return fmt.Errorf("%w: %s", ErrReadOnly, c)
	}
	return nil
}

// toNanos encodes a timestamp for storage; the zero time is stored as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func optionalTime(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return toNanos(*t)
}

func fromOptionalNanos(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := fromNanos(n)
	return &t
}
