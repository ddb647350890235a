// Package pg implements mutuelle.Remote directly against the back-office
// Postgres database.
//
// Rows travel as JSON: reads use json_agg, writes go through
// json_populate_record so column types are resolved by the server.
package pg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hyperengineering/mutuelle"
)

// Querier is the subset of *pgxpool.Pool used by Remote.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Remote is a mutuelle.Remote backed by Postgres.
type Remote struct {
	db Querier
}

// New wraps a pool or connection.
func New(db Querier) *Remote {
	return &Remote{db: db}
}

func ident(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

func checkTable(op string, table mutuelle.Table) error {
	if !table.IsValid() {
		return &mutuelle.SyncError{
			Operation: op,
			Table:     table,
			Permanent: true,
			Err:       fmt.Errorf("%w: %q", mutuelle.ErrUnknownTable, table),
		}
	}
	return nil
}

// ReadAll returns every row of the table ordered by id.
func (r *Remote) ReadAll(ctx context.Context, table mutuelle.Table) ([]mutuelle.Row, error) {
	if err := checkTable("read", table); err != nil {
		return nil, err
	}
	t := ident(string(table))
	query := fmt.Sprintf(`SELECT coalesce(json_agg(t ORDER BY t.id), '[]')::text FROM %s t`, t)

	var payload string
	if err := r.db.QueryRow(ctx, query).Scan(&payload); err != nil {
		return nil, classify("read", table, err)
	}

	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var rows []mutuelle.Row
	if err := dec.Decode(&rows); err != nil {
		return nil, &mutuelle.SyncError{Operation: "read", Table: table, Err: fmt.Errorf("decode rows: %w", err)}
	}
	return rows, nil
}

// Insert upserts the row on id, so replaying an insert overwrites rather
// than duplicates. The idempotency key is not needed here.
func (r *Remote) Insert(ctx context.Context, table mutuelle.Table, row mutuelle.Row, _ string) (mutuelle.Row, error) {
	if err := checkTable("insert", table); err != nil {
		return nil, err
	}
	cols := columns(row, false)
	if len(cols) == 0 {
		return nil, &mutuelle.SyncError{Operation: "insert", Table: table, Permanent: true, Err: errors.New("empty row")}
	}

	t := ident(string(table))
	quoted := make([]string, len(cols))
	sets := make([]string, 0, len(cols))
	for i, c := range cols {
		quoted[i] = ident(c)
		if c != "id" {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
		}
	}
	list := strings.Join(quoted, ", ")

	conflict := "DO NOTHING"
	if len(sets) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM json_populate_record(NULL::%s, $1::json) ON CONFLICT ("id") %s RETURNING row_to_json(%s.*)::text`,
		t, list, list, t, conflict, t)

	return r.writeReturning(ctx, "insert", table, query, row)
}

// Update overwrites the given fields of the row with this id.
func (r *Remote) Update(ctx context.Context, table mutuelle.Table, id string, row mutuelle.Row, _ string) (mutuelle.Row, error) {
	if err := checkTable("update", table); err != nil {
		return nil, err
	}
	cols := columns(row, true)
	if len(cols) == 0 {
		cols = []string{"id"}
	}

	t := ident(string(table))
	sets := make([]string, len(cols))
	for i, c := range cols {
		q := ident(c)
		sets[i] = fmt.Sprintf("%s = r.%s", q, q)
	}
	query := fmt.Sprintf(
		`UPDATE %s SET %s FROM json_populate_record(NULL::%s, $1::json) r WHERE %s."id" = $2 RETURNING row_to_json(%s.*)::text`,
		t, strings.Join(sets, ", "), t, t, t)

	if _, ok := row["id"]; !ok {
		row = copyWith(row, "id", id)
	}
	return r.writeReturning(ctx, "update", table, query, row, id)
}

// Delete removes the row with this id. Deleting a missing row succeeds.
func (r *Remote) Delete(ctx context.Context, table mutuelle.Table, id string, _ string) error {
	if err := checkTable("delete", table); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE "id" = $1`, ident(string(table)))
	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return classify("delete", table, err)
	}
	return nil
}

// Ping checks the database connection.
func (r *Remote) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return &mutuelle.SyncError{Operation: "ping", Err: err}
	}
	return nil
}

func (r *Remote) writeReturning(ctx context.Context, op string, table mutuelle.Table, query string, row mutuelle.Row, args ...any) (mutuelle.Row, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, &mutuelle.SyncError{Operation: op, Table: table, Permanent: true, Err: err}
	}

	var returned *string
	err = r.db.QueryRow(ctx, query, append([]any{string(payload)}, args...)...).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		if op == "insert" {
			return nil, nil
		}
		return nil, &mutuelle.SyncError{
			Operation: op, Table: table, StatusCode: 404, Permanent: true,
			Err: fmt.Errorf("no row with id %v", args...),
		}
	}
	if err != nil {
		return nil, classify(op, table, err)
	}
	if returned == nil {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(*returned)))
	dec.UseNumber()
	var out mutuelle.Row
	if err := dec.Decode(&out); err != nil {
		return nil, &mutuelle.SyncError{Operation: op, Table: table, Err: fmt.Errorf("decode row: %w", err)}
	}
	return out, nil
}

// classify marks data, integrity and schema errors as permanent. Anything
// else, such as connection loss or a missing grant, is retried.
func classify(op string, table mutuelle.Table, err error) error {
	syncErr := &mutuelle.SyncError{Operation: op, Table: table, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			// insufficient_privilege is a grant problem, not a bad row.
			syncErr.Permanent = pgErr.Code != "42501"
		}
	}
	return syncErr
}

// columns returns the row keys in a stable order.
func columns(row mutuelle.Row, skipID bool) []string {
	cols := make([]string, 0, len(row))
	for k := range row {
		if skipID && k == "id" {
			continue
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func copyWith(row mutuelle.Row, key string, value any) mutuelle.Row {
	out := make(mutuelle.Row, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	out[key] = value
	return out
}

var _ mutuelle.Remote = (*Remote)(nil)
