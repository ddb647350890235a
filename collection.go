package mutuelle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entity is implemented by every mirrored entity through an embedded Base.
type Entity interface {
	EntityID() string
	SetEntityID(id string)
	Touch(now time.Time)
}

// Item is an entity value together with its sync metadata.
type Item[T any] struct {
	Value           T          `json:"value"`
	SyncStatus      SyncStatus `json:"sync_status"`
	LocalUpdatedAt  time.Time  `json:"local_updated_at"`
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty"`
}

// View is a snapshot of one table for display.
type View[T any] struct {
	Data   []Item[T] `json:"data"`
	Status Status    `json:"status"`
}

// Collection is the read-through binding of one mirrored table.
//
// Every mutation is written locally and queued in one transaction before any
// network call, leaves the record pending, and then tries an immediate push
// when the engine is online and idle.
type Collection[T any, P interface {
	*T
	Entity
}] struct {
	table  Table
	store  *Store
	engine *Engine
	logger *slog.Logger
	now    func() time.Time
}

// NewCollection binds a table to an entity type.
func NewCollection[T any, P interface {
	*T
	Entity
}](table Table, store *Store, engine *Engine, logger *slog.Logger) *Collection[T, P] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection[T, P]{
		table:  table,
		store:  store,
		engine: engine,
		logger: logger,
		now:    time.Now,
	}
}

// Table returns the bound table.
func (c *Collection[T, P]) Table() Table { return c.table }

// Create inserts v, assigning an ID when it has none.
func (c *Collection[T, P]) Create(ctx context.Context, v *T) (MutationResult, error) {
	p := P(v)
	if p.EntityID() == "" {
		p.SetEntityID(ulid.Make().String())
	}
	now := c.now()
	p.Touch(now)

	return c.write(ctx, OpInsert, p, now)
}

// Update loads the record, applies mutate, and writes the result.
func (c *Collection[T, P]) Update(ctx context.Context, id string, mutate func(*T) error) (MutationResult, error) {
	rec, err := c.store.Get(c.table, id)
	if err != nil {
		return MutationResult{}, fmt.Errorf("%s: update %s: %w", c.table, id, err)
	}
	v, err := c.decode(rec.Data)
	if err != nil {
		return MutationResult{}, fmt.Errorf("%s: update %s: %w", c.table, id, err)
	}
	if err := mutate(v); err != nil {
		return MutationResult{}, err
	}

	p := P(v)
	p.SetEntityID(id)
	now := c.now()
	p.Touch(now)

	return c.write(ctx, OpUpdate, p, now)
}

// Remove deletes the record with this id.
func (c *Collection[T, P]) Remove(ctx context.Context, id string) (MutationResult, error) {
	entry, err := c.store.ApplyMutation(Mutation{
		Table:     c.table,
		RecordID:  id,
		Operation: OpDelete,
		At:        c.now(),
	})
	if err != nil {
		return MutationResult{}, fmt.Errorf("%s: remove %s: %w", c.table, id, err)
	}
	return c.settle(ctx, entry), nil
}

// Get returns one item. Returns ErrNotFound when absent.
func (c *Collection[T, P]) Get(ctx context.Context, id string) (*Item[T], error) {
	rec, err := c.store.Get(c.table, id)
	if err != nil {
		return nil, err
	}
	return c.item(rec)
}

// List returns every item of the table. Read failures are logged and
// yield an empty list.
func (c *Collection[T, P]) List(ctx context.Context) []Item[T] {
	records, err := c.store.GetAll(c.table)
	if err != nil {
		c.logger.Error("list records", "table", c.table, "error", err)
		return []Item[T]{}
	}

	items := make([]Item[T], 0, len(records))
	for i := range records {
		item, err := c.item(&records[i])
		if err != nil {
			c.logger.Warn("skip undecodable record", "table", c.table, "id", records[i].ID, "error", err)
			continue
		}
		items = append(items, *item)
	}
	return items
}

// Refetch pulls this table from the remote.
func (c *Collection[T, P]) Refetch(ctx context.Context) error {
	report, err := c.engine.PullFromServer(ctx, c.table)
	if err != nil {
		return err
	}
	return report.Err()
}

// View returns the table contents with the current sync status.
func (c *Collection[T, P]) View(ctx context.Context) View[T] {
	return View[T]{Data: c.List(ctx), Status: c.engine.Status()}
}

func (c *Collection[T, P]) write(ctx context.Context, op Operation, p P, at time.Time) (MutationResult, error) {
	if v, ok := any(p).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return MutationResult{}, err
		}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return MutationResult{}, fmt.Errorf("%s: encode: %w", c.table, err)
	}

	entry, err := c.store.ApplyMutation(Mutation{
		Table:     c.table,
		RecordID:  p.EntityID(),
		Operation: op,
		Data:      data,
		At:        at,
	})
	if err != nil {
		return MutationResult{}, fmt.Errorf("%s: %s %s: %w", c.table, op, p.EntityID(), err)
	}
	return c.settle(ctx, entry), nil
}

func (c *Collection[T, P]) settle(ctx context.Context, entry *QueueEntry) MutationResult {
	c.engine.publish()
	result := c.engine.Deliver(ctx, entry)
	if result.Kind == ResultFailed {
		c.logger.Warn("change rejected by remote",
			"table", c.table, "id", entry.RecordID, "entry", entry.ID, "error", result.Error)
	}
	return result
}

func (c *Collection[T, P]) item(rec *Record) (*Item[T], error) {
	v, err := c.decode(rec.Data)
	if err != nil {
		return nil, err
	}
	return &Item[T]{
		Value:           *v,
		SyncStatus:      rec.SyncStatus,
		LocalUpdatedAt:  rec.LocalUpdatedAt,
		ServerUpdatedAt: rec.ServerUpdatedAt,
	}, nil
}

func (c *Collection[T, P]) decode(data []byte) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, errors.Join(ErrInvalidRecord, err)
	}
	return v, nil
}
