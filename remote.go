package mutuelle

import "context"

// Remote is the backend contract consumed by the sync engine.
// Implementations must be safe for concurrent use.
type Remote interface {
	// ReadAll returns every row of a table.
	ReadAll(ctx context.Context, table Table) ([]Row, error)

	// Insert creates a row. Replaying an insert with the same idempotency key
	// must not create a second row. Returns the stored row when available.
	Insert(ctx context.Context, table Table, row Row, idempotencyKey string) (Row, error)

	// Update overwrites the given fields of the row with this id.
	Update(ctx context.Context, table Table, id string, row Row, idempotencyKey string) (Row, error)

	// Delete removes the row with this id. Deleting a missing row succeeds.
	Delete(ctx context.Context, table Table, id string, idempotencyKey string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

// Notifier delivers best-effort "this table changed" signals.
type Notifier interface {
	// Listen blocks until ctx is done or the feed fails, calling onChange for
	// each notification about one of tables.
	Listen(ctx context.Context, tables []Table, onChange func(Table)) error
}

// Publisher is implemented by notifiers that can also announce local
// changes to other devices.
type Publisher interface {
	Publish(ctx context.Context, table Table) error
}
