package mutuelle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Engine drives push and pull between the local Store and a Remote.
//
// At most one sync pass runs at a time; a pass that cannot start returns
// ErrSyncInProgress instead of waiting. Status changes are published to
// every subscriber.
type Engine struct {
	store           *Store
	remote          Remote
	policy          RetryPolicy
	tables          []Table
	detectConflicts bool
	logger          *slog.Logger
	now             func() time.Time
	onPushed        func(ctx context.Context, tables []Table)

	pass *semaphore.Weighted

	mu         sync.Mutex
	online     bool
	syncing    bool
	lastSyncAt *time.Time
	subs       map[uint64]chan Status
	nextSub    uint64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRetryPolicy sets the push retry policy.
func WithRetryPolicy(p RetryPolicy) EngineOption {
	return func(e *Engine) { e.policy = p }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTables restricts the tables pulled by default.
func WithTables(tables ...Table) EngineOption {
	return func(e *Engine) {
		if len(tables) > 0 {
			e.tables = tables
		}
	}
}

// WithConflictDetection toggles flagging of pending records whose server copy moved.
func WithConflictDetection(enabled bool) EngineOption {
	return func(e *Engine) { e.detectConflicts = enabled }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithPushHook registers fn, called after a push pass with the tables that
// had at least one change acknowledged.
func WithPushHook(fn func(ctx context.Context, tables []Table)) EngineOption {
	return func(e *Engine) { e.onPushed = fn }
}

// NewEngine creates an engine. A nil remote yields an offline-only engine.
func NewEngine(store *Store, remote Remote, opts ...EngineOption) *Engine {
	e := &Engine{
		store:           store,
		remote:          remote,
		policy:          DefaultRetryPolicy(),
		tables:          AllTables(),
		detectConflicts: true,
		logger:          slog.Default(),
		now:             time.Now,
		pass:            semaphore.NewWeighted(1),
		subs:            make(map[uint64]chan Status),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PushReport summarizes one push pass.
type PushReport struct {
	Attempted int `json:"attempted"`
	Pushed    int `json:"pushed"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Remaining int `json:"remaining"`
	// Tables lists the tables with at least one acknowledged change.
	Tables []Table `json:"tables,omitempty"`
}

// PullReport summarizes one pull pass. Tables that could not be fetched are
// listed in Errors and keep their previous local data.
type PullReport struct {
	Tables map[Table]MergeResult `json:"tables"`
	Errors map[Table]string      `json:"errors,omitempty"`
}

// Err joins the per-table failures, or returns nil.
func (r *PullReport) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for table, msg := range r.Errors {
		errs = append(errs, fmt.Errorf("%s: %s", table, msg))
	}
	return errors.Join(errs...)
}

// SyncReport summarizes a push-then-pull pass.
type SyncReport struct {
	Push     *PushReport   `json:"push"`
	Pull     *PullReport   `json:"pull"`
	Duration time.Duration `json:"duration"`
}

// Online reports the current connectivity flag.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline records a connectivity transition. Going online runs SyncAll;
// going offline never aborts a running pass.
func (e *Engine) SetOnline(ctx context.Context, online bool) error {
	if online && e.remote == nil {
		return ErrNoRemote
	}
	if !e.setOnline(online) {
		return nil
	}
	e.logger.Info("connectivity changed", "online", online)
	if !online {
		return nil
	}

	_, err := e.SyncAll(ctx)
	if errors.Is(err, ErrSyncInProgress) {
		return nil
	}
	return err
}

// setOnline flips the flag and publishes; reports whether it changed.
func (e *Engine) setOnline(online bool) bool {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()

	if changed {
		e.publish()
	}
	return changed
}

// SyncPendingChanges pushes due queue entries in creation order.
// Each entry is isolated: a failure is recorded and the pass moves on, but
// later entries of the same record wait for a later pass.
func (e *Engine) SyncPendingChanges(ctx context.Context) (*PushReport, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	end, err := e.beginPass()
	if err != nil {
		return nil, err
	}
	defer end()

	return e.push(ctx, false), nil
}

// PullFromServer refetches tables (all mirrored tables when none given) and
// merges them under the local-pending-wins rule.
func (e *Engine) PullFromServer(ctx context.Context, tables ...Table) (*PullReport, error) {
	for _, t := range tables {
		if !t.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTable, t)
		}
	}
	if len(tables) == 0 {
		tables = e.tables
	}
	if err := e.ready(); err != nil {
		return nil, err
	}
	end, err := e.beginPass()
	if err != nil {
		return nil, err
	}
	defer end()

	report := e.pull(ctx, tables)
	e.markSynced()
	return report, nil
}

// SyncAll pushes then pulls within a single pass.
func (e *Engine) SyncAll(ctx context.Context) (*SyncReport, error) {
	return e.syncAll(ctx, false)
}

// ForceSync is SyncAll ignoring retry backoff, for operator-triggered syncs.
// Failed entries stay failed.
func (e *Engine) ForceSync(ctx context.Context) (*SyncReport, error) {
	return e.syncAll(ctx, true)
}

func (e *Engine) syncAll(ctx context.Context, force bool) (*SyncReport, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	end, err := e.beginPass()
	if err != nil {
		return nil, err
	}
	defer end()

	start := e.now()
	report := &SyncReport{
		Push: e.push(ctx, force),
		Pull: e.pull(ctx, e.tables),
	}
	report.Duration = e.now().Sub(start)
	e.markSynced()

	e.logger.Info("sync pass complete",
		"pushed", report.Push.Pushed,
		"retrying", report.Push.Retrying,
		"failed", report.Push.Failed,
		"remaining", report.Push.Remaining,
		"pull_errors", len(report.Pull.Errors),
		"duration", report.Duration)
	return report, nil
}

// ForceFullSync discards the whole mirror and the queue and reinstalls a
// fresh snapshot of every table, which also counts as a completed
// bootstrap. It is refused while offline. Every table is
// fetched before anything is wiped; a failed fetch leaves the mirror untouched.
func (e *Engine) ForceFullSync(ctx context.Context) (*PullReport, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	end, err := e.beginPass()
	if err != nil {
		return nil, err
	}
	defer end()

	snapshot := make(map[Table][]Row, len(e.tables))
	for _, t := range e.tables {
		rows, err := e.remote.ReadAll(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("full sync: read %s: %w", t, err)
		}
		snapshot[t] = rows
	}

	total, err := e.store.ReplaceAll(snapshot)
	if err != nil {
		return nil, fmt.Errorf("full sync: %w", err)
	}

	report := &PullReport{Tables: make(map[Table]MergeResult, len(snapshot))}
	for t, rows := range snapshot {
		report.Tables[t] = MergeResult{Inserted: len(rows)}
	}
	// A complete snapshot stands in for a bootstrap.
	if err := e.store.SetMetadata(metaBootstrappedAt, e.now().UTC().Format(time.RFC3339Nano)); err != nil {
		e.logger.Error("record bootstrap after full sync", "error", err)
	}
	e.markSynced()
	e.logger.Warn("full resync replaced local mirror", "records", total, "tables", len(snapshot))
	return report, nil
}

// HandleRemoteChange reacts to a "table changed" notification by pulling
// that table. A notification during a running pass is dropped; the next
// pass pulls every table anyway.
func (e *Engine) HandleRemoteChange(ctx context.Context, table Table) error {
	if !e.Online() {
		return nil
	}
	_, err := e.PullFromServer(ctx, table)
	if errors.Is(err, ErrSyncInProgress) {
		e.logger.Debug("change notification during sync pass", "table", table)
		return nil
	}
	return err
}

// Deliver tries to push right after a local mutation and reports where the
// entry ended up. Offline or mid-pass, the result is Pending.
func (e *Engine) Deliver(ctx context.Context, entry *QueueEntry) MutationResult {
	result := MutationResult{Kind: ResultPending, RecordID: entry.RecordID, EntryID: entry.ID}
	if e.remote == nil || !e.Online() {
		return result
	}

	if _, err := e.SyncPendingChanges(ctx); err != nil {
		if !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
			e.logger.Error("immediate push failed", "entry", entry.ID, "error", err)
		}
		return result
	}

	current, err := e.store.QueueEntry(entry.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		result.Kind = ResultOk
	case err != nil:
		e.logger.Error("read queue entry", "entry", entry.ID, "error", err)
	case current.State == EntryFailed:
		result.Kind = ResultFailed
		result.Error = current.LastError
	default:
		result.Error = current.LastError
	}
	return result
}

// Status returns the current sync status.
func (e *Engine) Status() Status {
	pending, failed := e.queueCounts()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked(pending, failed)
}

// Subscribe returns a channel receiving the latest Status on every change,
// starting with the current one. Slow readers only miss intermediate
// values. Call cancel to unsubscribe and close the channel.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	pending, failed := e.queueCounts()

	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	offer(ch, e.statusLocked(pending, failed))
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			close(ch)
			e.mu.Unlock()
		})
	}
	return ch, cancel
}

func (e *Engine) publish() {
	pending, failed := e.queueCounts()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.statusLocked(pending, failed)
	for _, ch := range e.subs {
		offer(ch, st)
	}
}

func (e *Engine) statusLocked(pending, failed int) Status {
	st := Status{
		Online:       e.online,
		Syncing:      e.syncing,
		PendingCount: pending,
		FailedCount:  failed,
	}
	if e.lastSyncAt != nil {
		t := *e.lastSyncAt
		st.LastSyncAt = &t
	}
	return st
}

func (e *Engine) queueCounts() (pending, failed int) {
	var err error
	if pending, err = e.store.CountPending(); err != nil && !errors.Is(err, ErrStoreClosed) {
		e.logger.Error("count pending changes", "error", err)
	}
	if failed, err = e.store.CountFailed(); err != nil && !errors.Is(err, ErrStoreClosed) {
		e.logger.Error("count failed changes", "error", err)
	}
	return pending, failed
}

// offer replaces any unread value so the channel always holds the latest status.
func offer(ch chan Status, st Status) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

func (e *Engine) ready() error {
	if e.remote == nil {
		return ErrNoRemote
	}
	if !e.Online() {
		return ErrOffline
	}
	return nil
}

func (e *Engine) beginPass() (func(), error) {
	if !e.pass.TryAcquire(1) {
		return nil, ErrSyncInProgress
	}
	e.setSyncing(true)
	return func() {
		e.setSyncing(false)
		e.pass.Release(1)
	}, nil
}

func (e *Engine) setSyncing(syncing bool) {
	e.mu.Lock()
	e.syncing = syncing
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) markSynced() {
	now := e.now().UTC()
	e.mu.Lock()
	e.lastSyncAt = &now
	e.mu.Unlock()

	if err := e.store.SetMetadata(metaLastSync, now.Format(time.RFC3339Nano)); err != nil {
		e.logger.Error("record last sync", "error", err)
	}
}

type recordKey struct {
	table Table
	id    string
}

func (e *Engine) push(ctx context.Context, force bool) *PushReport {
	report := &PushReport{}

	entries, err := e.store.Drain()
	if err != nil {
		e.logger.Error("drain queue", "error", err)
		return report
	}

	blocked := make(map[recordKey]bool)
	touched := make(map[Table]bool)
	now := e.now()
	for _, entry := range entries {
		key := recordKey{entry.Table, entry.RecordID}
		if blocked[key] || entry.State == EntryFailed || (!force && !entry.Due(now)) {
			blocked[key] = true
			report.Deferred++
			continue
		}
		if ctx.Err() != nil {
			report.Deferred++
			continue
		}

		report.Attempted++
		serverTS, err := e.deliver(ctx, entry)
		if err != nil {
			blocked[key] = true
			e.recordFailure(entry, err, report)
			continue
		}
		if err := e.store.CompleteEntry(entry.ID, serverTS); err != nil {
			// Delivered but not confirmed locally; the replay is idempotent.
			e.logger.Error("confirm queue entry", "entry", entry.ID, "error", err)
			blocked[key] = true
			continue
		}
		report.Pushed++
		if !touched[entry.Table] {
			touched[entry.Table] = true
			report.Tables = append(report.Tables, entry.Table)
		}
		e.logger.Debug("pushed change",
			"entry", entry.ID, "table", entry.Table, "record", entry.RecordID, "op", entry.Operation)
		e.publish()
	}

	if n, err := e.store.CountPending(); err == nil {
		report.Remaining = n
	}
	if e.onPushed != nil && len(report.Tables) > 0 {
		e.onPushed(ctx, report.Tables)
	}
	return report
}

func (e *Engine) deliver(ctx context.Context, entry QueueEntry) (time.Time, error) {
	var (
		stored Row
		sent   Row
		err    error
	)

	switch entry.Operation {
	case OpInsert, OpUpdate:
		row, derr := decodeRow(entry.Payload)
		if derr != nil {
			return time.Time{}, &SyncError{Operation: string(entry.Operation), Table: entry.Table, Permanent: true, Err: derr}
		}
		sent = StripSyncMetadata(row)
		if entry.Operation == OpInsert {
			if RowID(sent) == "" {
				sent["id"] = entry.RecordID
			}
			stored, err = e.remote.Insert(ctx, entry.Table, sent, entry.IdempotencyKey)
		} else {
			stored, err = e.remote.Update(ctx, entry.Table, entry.RecordID, sent, entry.IdempotencyKey)
		}
	case OpDelete:
		err = e.remote.Delete(ctx, entry.Table, entry.RecordID, entry.IdempotencyKey)
	default:
		err = &SyncError{Operation: string(entry.Operation), Table: entry.Table, Permanent: true,
			Err: fmt.Errorf("unknown operation %q", entry.Operation)}
	}
	if err != nil {
		return time.Time{}, err
	}

	if ts := ServerTimestamp(stored); ts != nil {
		return *ts, nil
	}
	if ts := ServerTimestamp(sent); ts != nil {
		return *ts, nil
	}
	return e.now(), nil
}

func (e *Engine) recordFailure(entry QueueEntry, cause error, report *PushReport) {
	failures := entry.RetryCount + 1
	attrs := []any{
		"entry", entry.ID, "table", entry.Table, "record", entry.RecordID,
		"op", entry.Operation, "attempt", failures, "error", cause,
	}

	if IsPermanent(cause) || e.policy.Exhausted(failures) {
		if err := e.store.FailEntry(entry.ID, cause.Error()); err != nil {
			e.logger.Error("mark queue entry failed", "entry", entry.ID, "error", err)
			return
		}
		report.Failed++
		e.logger.Warn("queue entry failed, operator action required", attrs...)
	} else {
		next := e.now().Add(e.policy.Delay(failures))
		if err := e.store.BumpRetry(entry.ID, cause.Error(), next); err != nil {
			e.logger.Error("bump queue entry retry", "entry", entry.ID, "error", err)
			return
		}
		report.Retrying++
		e.logger.Info("push failed, will retry", append(attrs, "next_attempt", next)...)
	}
	e.publish()
}

func (e *Engine) pull(ctx context.Context, tables []Table) *PullReport {
	report := &PullReport{
		Tables: make(map[Table]MergeResult, len(tables)),
		Errors: make(map[Table]string),
	}

	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			report.Errors[t] = err.Error()
			continue
		}

		rows, err := e.remote.ReadAll(ctx, t)
		if err != nil {
			e.failTable(t, err, report)
			continue
		}
		result, err := e.store.MergeRemote(t, rows, e.detectConflicts)
		if err != nil {
			e.failTable(t, err, report)
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
		if result.Conflicts > 0 {
			e.logger.Warn("server changed records with pending local edits",
				"table", t, "conflicts", result.Conflicts)
		}
	}
	return report
}

func (e *Engine) failTable(t Table, cause error, report *PullReport) {
	report.Errors[t] = cause.Error()
	e.logger.Warn("pull skipped table", "table", t, "error", cause)
	if err := e.store.RecordTableSync(TableSync{
		Table:      t,
		LastSyncAt: e.now(),
		Status:     tableSyncError,
		LastError:  cause.Error(),
	}); err != nil {
		e.logger.Error("record table sync", "table", t, "error", err)
	}
}
