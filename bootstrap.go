package mutuelle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// BootstrapOptions configures an initial download of every table.
type BootstrapOptions struct {
	// Force runs even when a previous bootstrap completed.
	Force bool

	// Concurrency bounds parallel table fetches. Defaults to 4.
	Concurrency int

	// Attempts is the number of tries per table fetch. Defaults to 3.
	Attempts int

	// RetryDelay is the wait after the first failed fetch. Defaults to 500ms.
	RetryDelay time.Duration
}

// BootstrapReport summarizes a bootstrap run.
type BootstrapReport struct {
	Skipped  bool                  `json:"skipped"`
	Tables   map[Table]MergeResult `json:"tables"`
	Failed   map[Table]string      `json:"failed,omitempty"`
	Duration time.Duration         `json:"duration"`
}

// Bootstrapped reports whether a bootstrap previously completed.
func (e *Engine) Bootstrapped() bool {
	v, err := e.store.GetMetadata(metaBootstrappedAt)
	return err == nil && v != ""
}

// Bootstrap downloads every mirrored table once. It is a no-op once a
// previous run completed, unless opts.Force is set. Tables are fetched
// concurrently with retries and merged one at a time under the
// local-pending-wins rule, so queued local edits survive. The completion
// marker is written only when every table succeeded.
func (e *Engine) Bootstrap(ctx context.Context, opts BootstrapOptions) (*BootstrapReport, error) {
	if !opts.Force && e.Bootstrapped() {
		return &BootstrapReport{Skipped: true}, nil
	}
	if err := e.ready(); err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}

	end, err := e.beginPass()
	if err != nil {
		return nil, err
	}
	defer end()

	start := e.now()
	fetched, fetchErrs := e.fetchTables(ctx, opts)

	report := &BootstrapReport{
		Tables: make(map[Table]MergeResult, len(fetched)),
		Failed: make(map[Table]string),
	}
	var errs []error
	for _, t := range e.tables {
		if err, ok := fetchErrs[t]; ok {
			e.bootstrapFailed(t, err, report)
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		rows := fetched[t]
		result, err := e.store.MergeRemote(t, rows, e.detectConflicts)
		if err != nil {
			e.bootstrapFailed(t, err, report)
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		report.Tables[t] = result
		if err := e.store.RecordTableSync(TableSync{
			Table:      t,
			LastSyncAt: e.now(),
			Status:     tableSyncOK,
			RowCount:   len(rows),
		}); err != nil {
			e.logger.Error("record table sync", "table", t, "error", err)
		}
	}
	report.Duration = e.now().Sub(start)

	if len(errs) > 0 {
		e.logger.Warn("bootstrap incomplete", "failed_tables", len(errs), "duration", report.Duration)
		return report, fmt.Errorf("bootstrap: %w", errors.Join(errs...))
	}

	at := e.now().UTC().Format(time.RFC3339Nano)
	if err := e.store.SetMetadata(metaBootstrappedAt, at); err != nil {
		return report, fmt.Errorf("bootstrap: record completion: %w", err)
	}
	e.markSynced()
	e.logger.Info("bootstrap complete", "tables", len(report.Tables), "duration", report.Duration)
	return report, nil
}

func (e *Engine) fetchTables(ctx context.Context, opts BootstrapOptions) (map[Table][]Row, map[Table]error) {
	var mu sync.Mutex
	fetched := make(map[Table][]Row, len(e.tables))
	failed := make(map[Table]error)

	policy := RetryPolicy{BaseDelay: opts.RetryDelay, MaxDelay: e.policy.MaxDelay}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, t := range e.tables {
		g.Go(func() error {
			var rows []Row
			err := policy.do(gctx, opts.Attempts, func(ctx context.Context) error {
				var err error
				rows, err = e.remote.ReadAll(ctx, t)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[t] = err
				return nil
			}
			fetched[t] = rows
			return nil
		})
	}
	_ = g.Wait()
	return fetched, failed
}

func (e *Engine) bootstrapFailed(t Table, cause error, report *BootstrapReport) {
	report.Failed[t] = cause.Error()
	e.logger.Warn("bootstrap table failed", "table", t, "error", cause)
	if err := e.store.RecordTableSync(TableSync{
		Table:      t,
		LastSyncAt: e.now(),
		Status:     tableSyncError,
		LastError:  cause.Error(),
	}); err != nil {
		e.logger.Error("record table sync", "table", t, "error", err)
	}
}
