package validations

import (
	"context"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

// Store is the durable sink for stale validations. Implementations must be
// transactional: InsertBatch either persists every row or none of them.
// pkg/db/postgres/validations.Store is the production implementation; this
// package never imports it directly, to keep the core free of SQL.
type Store interface {
	InsertBatch(ctx context.Context, rows []*Validation) error
}

// writer drives the "at most one writer active" pipeline described on
// Collection.doWrite. A single-worker pond.Pool supplies the detached goroutine;
// the writing latch (owned by Collection, guarded by its mutex) remains
// the sole source of truth for whether a writer is active.
type writer struct {
	store  Store
	logger *zap.Logger
	pool   pond.Pool
}

func newWriter(store Store, logger *zap.Logger) *writer {
	return &writer{
		store:  store,
		logger: logger,
		pool:   pond.NewPool(1, pond.WithQueueSize(1)),
	}
}

// spawn submits the drain loop to the pool. Callers must hold the
// collection's lock and have already flipped writing to true.
func (w *writer) spawn(c *Collection) {
	w.pool.Submit(func() {
		c.doWrite(w)
	})
}
