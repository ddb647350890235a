package mutuelle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/mutuelle/internal/connectivity"
)

// Client is the entry point for the offline-first mirror: typed table
// bindings, sync control and diagnostics over one local store.
type Client struct {
	store     *Store
	engine    *Engine
	remote    Remote
	notifier  Notifier
	monitor   *connectivity.Monitor
	config    Config
	logger    *slog.Logger
	logCloser io.Closer

	contracts             *Collection[Contract, *Contract]
	insuredPersons        *Collection[InsuredPerson, *InsuredPerson]
	beneficiaries         *Collection[Beneficiary, *Beneficiary]
	contributions         *Collection[Contribution, *Contribution]
	contributionPayments  *Collection[ContributionPayment, *ContributionPayment]
	reimbursements        *Collection[Reimbursement, *Reimbursement]
	providers             *Collection[Provider, *Provider]
	documents             *Collection[Document, *Document]
	reimbursementCeilings *Collection[ReimbursementCeiling, *ReimbursementCeiling]
	healthDeclarations    *Collection[HealthDeclaration, *HealthDeclaration]
	auditEntries          *Collection[AuditEntry, *AuditEntry]
	careAuthorizations    *Collection[CareAuthorization, *CareAuthorization]

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type clientOptions struct {
	remote   Remote
	notifier Notifier
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

// WithRemote sets the backend. Without one the client is offline-only.
func WithRemote(r Remote) Option {
	return func(o *clientOptions) { o.remote = r }
}

// WithNotifier sets the change-notification feed.
func WithNotifier(n Notifier) Option {
	return func(o *clientOptions) { o.notifier = n }
}

// WithLogger sets the logger instead of building one from Config.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// New opens the local mirror and, with a remote and AutoSync, starts the
// background connectivity probe, periodic sync and notification listener.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger, logCloser := o.logger, io.Closer(nopCloser{})
	if logger == nil {
		var err error
		logger, logCloser, err = NewLogger(LogConfig{Debug: cfg.Debug, Path: cfg.LogPath, Format: cfg.LogFormat})
		if err != nil {
			return nil, fmt.Errorf("client: logger: %w", err)
		}
	}

	store, err := NewStore(cfg.LocalPath)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	if id, _ := store.GetMetadata(metaDeviceID); id == "" && cfg.DeviceID != "" {
		if err := store.SetMetadata(metaDeviceID, cfg.DeviceID); err != nil {
			logger.Warn("record device id", "error", err)
		}
	}

	engineOpts := []EngineOption{
		WithRetryPolicy(cfg.RetryPolicy()),
		WithEngineLogger(logger),
		WithConflictDetection(!cfg.DisableConflictDetection),
	}
	if pub, ok := o.notifier.(Publisher); ok {
		engineOpts = append(engineOpts, WithPushHook(announce(pub, logger)))
	}
	engine := NewEngine(store, o.remote, engineOpts...)

	c := &Client{
		store:     store,
		engine:    engine,
		remote:    o.remote,
		notifier:  o.notifier,
		config:    cfg,
		logger:    logger,
		logCloser: logCloser,
	}
	c.bindCollections()

	if c.remote != nil && cfg.StartOnline {
		engine.setOnline(true)
	}
	if c.remote != nil && cfg.AutoSync {
		c.start()
	}

	return c, nil
}

// announce publishes one change notification per pushed table.
func announce(pub Publisher, logger *slog.Logger) func(context.Context, []Table) {
	return func(ctx context.Context, tables []Table) {
		for _, t := range tables {
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := pub.Publish(pctx, t); err != nil {
				logger.Warn("announce change", "table", t, "error", err)
			}
			cancel()
		}
	}
}

func (c *Client) bindCollections() {
	s, e, l := c.store, c.engine, c.logger
	c.contracts = NewCollection[Contract](TableContracts, s, e, l)
	c.insuredPersons = NewCollection[InsuredPerson](TableInsuredPersons, s, e, l)
	c.beneficiaries = NewCollection[Beneficiary](TableBeneficiaries, s, e, l)
	c.contributions = NewCollection[Contribution](TableContributions, s, e, l)
	c.contributionPayments = NewCollection[ContributionPayment](TableContributionPayments, s, e, l)
	c.reimbursements = NewCollection[Reimbursement](TableReimbursements, s, e, l)
	c.providers = NewCollection[Provider](TableProviders, s, e, l)
	c.documents = NewCollection[Document](TableDocuments, s, e, l)
	c.reimbursementCeilings = NewCollection[ReimbursementCeiling](TableReimbursementCeilings, s, e, l)
	c.healthDeclarations = NewCollection[HealthDeclaration](TableHealthDeclarations, s, e, l)
	c.auditEntries = NewCollection[AuditEntry](TableAuditEntries, s, e, l)
	c.careAuthorizations = NewCollection[CareAuthorization](TableCareAuthorizations, s, e, l)
}

// Contracts returns the contracts binding.
func (c *Client) Contracts() *Collection[Contract, *Contract] { return c.contracts }

// InsuredPersons returns the insured persons binding.
func (c *Client) InsuredPersons() *Collection[InsuredPerson, *InsuredPerson] {
	return c.insuredPersons
}

// Beneficiaries returns the beneficiaries binding.
func (c *Client) Beneficiaries() *Collection[Beneficiary, *Beneficiary] { return c.beneficiaries }

// Contributions returns the contributions binding.
func (c *Client) Contributions() *Collection[Contribution, *Contribution] { return c.contributions }

// ContributionPayments returns the contribution payments binding.
func (c *Client) ContributionPayments() *Collection[ContributionPayment, *ContributionPayment] {
	return c.contributionPayments
}

// Reimbursements returns the reimbursements binding.
func (c *Client) Reimbursements() *Collection[Reimbursement, *Reimbursement] {
	return c.reimbursements
}

// Providers returns the providers binding.
func (c *Client) Providers() *Collection[Provider, *Provider] { return c.providers }

// Documents returns the documents binding.
func (c *Client) Documents() *Collection[Document, *Document] { return c.documents }

// ReimbursementCeilings returns the reimbursement ceilings binding.
func (c *Client) ReimbursementCeilings() *Collection[ReimbursementCeiling, *ReimbursementCeiling] {
	return c.reimbursementCeilings
}

// HealthDeclarations returns the health declarations binding.
func (c *Client) HealthDeclarations() *Collection[HealthDeclaration, *HealthDeclaration] {
	return c.healthDeclarations
}

// AuditEntries returns the audit entries binding.
func (c *Client) AuditEntries() *Collection[AuditEntry, *AuditEntry] { return c.auditEntries }

// CareAuthorizations returns the care authorizations binding.
func (c *Client) CareAuthorizations() *Collection[CareAuthorization, *CareAuthorization] {
	return c.careAuthorizations
}

// Engine returns the sync engine.
func (c *Client) Engine() *Engine { return c.engine }

// Profile returns the resolved profile ID.
func (c *Client) Profile() string { return c.config.Profile }

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// SyncStatus returns the current sync status.
func (c *Client) SyncStatus() Status { return c.engine.Status() }

// SubscribeStatus streams status changes. Call cancel when done.
func (c *Client) SubscribeStatus() (<-chan Status, func()) { return c.engine.Subscribe() }

// SetOnline overrides connectivity; going online triggers a sync pass.
func (c *Client) SetOnline(ctx context.Context, online bool) error {
	return c.engine.SetOnline(ctx, online)
}

// Sync runs a push-then-pull pass.
func (c *Client) Sync(ctx context.Context) (*SyncReport, error) { return c.engine.SyncAll(ctx) }

// Push runs a push pass.
func (c *Client) Push(ctx context.Context) (*PushReport, error) {
	return c.engine.SyncPendingChanges(ctx)
}

// Pull refetches tables, all of them when none are given.
func (c *Client) Pull(ctx context.Context, tables ...Table) (*PullReport, error) {
	return c.engine.PullFromServer(ctx, tables...)
}

// ForceSync runs a pass now, ignoring retry backoff.
func (c *Client) ForceSync(ctx context.Context) (*SyncReport, error) {
	return c.engine.ForceSync(ctx)
}

// ForceFullSync discards local data and pending changes and reloads every
// table from the remote. Refused while offline.
func (c *Client) ForceFullSync(ctx context.Context) (*PullReport, error) {
	return c.engine.ForceFullSync(ctx)
}

// Bootstrap downloads every table once.
func (c *Client) Bootstrap(ctx context.Context, opts BootstrapOptions) (*BootstrapReport, error) {
	return c.engine.Bootstrap(ctx, opts)
}

// Queue returns every pending change, failed ones included, in replay order.
func (c *Client) Queue() ([]QueueEntry, error) { return c.store.Drain() }

// RetryFailed re-arms failed changes (all of them when no ids are given)
// and pushes right away when online.
func (c *Client) RetryFailed(ctx context.Context, ids ...int64) (int, error) {
	n, err := c.store.RetryFailed(ids...)
	if err != nil {
		return 0, err
	}
	c.engine.publish()
	c.logger.Info("re-armed failed changes", "count", n)

	if n > 0 && c.engine.Online() {
		if _, err := c.engine.SyncPendingChanges(ctx); err != nil &&
			!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
			return n, err
		}
	}
	return n, nil
}

// DiscardChange drops a pending change without delivering it.
func (c *Client) DiscardChange(id int64) error {
	entry, err := c.store.QueueEntry(id)
	if err != nil {
		return err
	}
	if err := c.store.DiscardEntry(id); err != nil {
		return err
	}
	c.engine.publish()
	c.logger.Warn("discarded pending change",
		"entry", id, "table", entry.Table, "record", entry.RecordID, "op", entry.Operation)
	return nil
}

// Records returns the raw records of a table with their sync metadata.
func (c *Client) Records(table Table) ([]Record, error) {
	if !table.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return c.store.GetAll(table)
}

// TableSyncs returns per-table pull diagnostics.
func (c *Client) TableSyncs() ([]TableSync, error) { return c.store.TableSyncs() }

// Stats returns store statistics.
func (c *Client) Stats() (*StoreStats, error) { return c.store.Stats() }

// HealthCheck returns the health status of the client.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		StoreOK: true,
	}

	if _, err := c.store.Stats(); err != nil {
		status.StoreOK = false
		status.Healthy = false
		status.Error = err.Error()
		return status
	}

	if c.remote != nil {
		err := c.remote.Ping(ctx)
		status.RemoteReachable = err == nil
		if err != nil && status.Error == "" {
			status.Error = err.Error()
		}
	}

	return status
}

// Close stops background work, makes a last push attempt when online and
// closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.cancel != nil {
		c.cancel()
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.logger.Warn("background sync did not stop in time")
		}
	}

	if c.remote != nil && c.engine.Online() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := c.engine.SyncPendingChanges(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			c.logger.Warn("final push", "error", err)
		}
		cancel()
	}

	err := c.store.Close()
	c.logCloser.Close()
	return err
}

func (c *Client) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.monitor = connectivity.New(c.remote, c.config.ProbeInterval, c.onConnectivity,
		connectivity.WithLogger(c.logger),
		connectivity.WithInitial(c.config.StartOnline),
	)

	c.spawn(func() { c.monitor.Run(ctx) })
	c.spawn(func() { c.backgroundSync(ctx) })
	if c.config.StartOnline {
		c.spawn(func() { c.catchUp(ctx) })
	}
	if c.notifier != nil {
		c.spawn(func() { c.listen(ctx) })
	}
}

func (c *Client) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// catchUp replays changes left queued by an earlier session. A client that
// starts online sees no connectivity transition to trigger it.
func (c *Client) catchUp(ctx context.Context) {
	if c.config.BootstrapOnStart && !c.engine.Bootstrapped() {
		c.onConnectivity(ctx, true)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := c.engine.SyncPendingChanges(sctx); err != nil &&
		!errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
		c.logger.Warn("push queued changes at startup", "error", err)
	}
}

func (c *Client) onConnectivity(ctx context.Context, online bool) {
	if online && c.config.BootstrapOnStart && !c.engine.Bootstrapped() {
		c.engine.setOnline(true)
		if _, err := c.engine.Bootstrap(ctx, BootstrapOptions{}); err != nil {
			c.logger.Error("bootstrap", "error", err)
		}
		if _, err := c.engine.SyncPendingChanges(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			c.logger.Warn("push after bootstrap", "error", err)
		}
		return
	}

	if err := c.engine.SetOnline(ctx, online); err != nil {
		c.logger.Warn("sync after reconnect", "error", err)
	}
}

func (c *Client) backgroundSync(ctx context.Context) {
	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.engine.Online() {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			_, err := c.engine.SyncAll(sctx)
			cancel()
			if err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
				c.logger.Warn("periodic sync", "error", err)
			}
		}
	}
}

func (c *Client) listen(ctx context.Context) {
	policy := c.config.RetryPolicy()
	failures := 0
	for {
		started := time.Now()
		err := c.notifier.Listen(ctx, c.engine.tables, func(t Table) {
			if err := c.engine.HandleRemoteChange(ctx, t); err != nil {
				c.logger.Warn("refetch after notification", "table", t, "error", err)
			}
		})
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) > time.Minute {
			failures = 0
		}
		failures++
		delay := policy.Delay(failures)
		c.logger.Warn("change feed disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
