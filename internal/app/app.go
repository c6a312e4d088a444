package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"syndicate-go/internal/config"
	"syndicate-go/internal/database"
	"syndicate-go/internal/encryption"
	"syndicate-go/internal/metrics"
	"syndicate-go/internal/model"
	"syndicate-go/internal/profile"
	"syndicate-go/internal/queue"
	"syndicate-go/internal/remote"
	"syndicate-go/internal/syndicate"
)

// SyndicateApp is the application layer between the CLI and the syndication service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw ids and names, and manages the DB lifecycle on Close.
type SyndicateApp struct {
	cfg        *config.Config
	db         *database.SQLiteDatabase
	profiles   *profile.Registry
	dialer     *remote.Dialer
	queue      *queue.JobQueue
	metrics    *metrics.Collector
	predicates *syndicate.PredicateRegistry
	service    *syndicate.Service
	notifier   *syndicate.Notifier
	op         *SyncOperation
	logger     syndicate.Logger
	logFile    *os.File
}

// NewSyndicateApp creates a fully wired SyndicateApp from the given config.
// operation identifies the CLI command being run (e.g. "Sync", "Worker").
// The caller must call Close when done.
func NewSyndicateApp(ctx context.Context, cfg *config.Config, operation string) (*SyndicateApp, error) {
	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &SyndicateApp{
		cfg:     cfg,
		op:      NewSyncOperation(operation, ""),
		logger:  logger,
		logFile: logFile,
	}
	if err := a.wire(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *SyndicateApp) wire(ctx context.Context) error {
	db, err := database.NewDatabaseFromConfig(a.cfg.Database, syndicate.RealClock{}, syndicate.UUIDGenerator{})
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db

	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	a.profiles, err = loadProfiles(a.cfg, a.logger)
	if err != nil {
		return err
	}

	a.dialer, err = remote.NewDialerFromConfig(a.cfg)
	if err != nil {
		return fmt.Errorf("creating remote dialer: %w", err)
	}

	images, err := newImageFetcher(ctx, a.cfg)
	if err != nil {
		return err
	}

	a.queue, err = queue.NewQueueFromConfig(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}

	a.metrics = metrics.NewCollector()
	a.predicates = syndicate.NewPredicateRegistry()
	registerPredicates(a.predicates)

	a.service = syndicate.NewService(a.db, a.profiles, a.dialer, syndicate.Options{
		Images:  images,
		Plugins: []syndicate.Plugin{&syndicate.DefaultPlugin{Predicates: a.predicates, Logger: a.logger}},
		History: a.db,
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	a.service.Signals().OnAfterSyndication(func(ev syndicate.Event) {
		a.logger.Debug("after syndication", "dataset", ev.LocalID, "profile", ev.Profile.ID, "remote_id", ev.Payload.String("id"))
	})
	a.service.Signals().OnAfterGroupSyndication(func(ev syndicate.Event) {
		a.logger.Debug("after group syndication", "group", ev.LocalID, "kind", string(ev.Kind), "profile", ev.Profile.ID, "remote_id", ev.Payload.String("id"))
	})

	a.notifier = syndicate.NewNotifier(a.service, &syndicate.QueueScheduler{Queue: a.queue}, a.cfg.SyncOnChangesEnabled())
	return nil
}

// loadProfiles builds the profile registry and decrypts sealed API keys.
func loadProfiles(cfg *config.Config, logger syndicate.Logger) (*profile.Registry, error) {
	registry := profile.NewRegistryFromConfig(cfg, logger)

	keyring := encryption.NewAgeKeyring(cfg.Secrets)
	profiles := registry.List()
	sealed := false
	for i, p := range profiles {
		if !encryption.IsSealed(p.APIKey) {
			continue
		}
		key, err := keyring.Open(p.APIKey)
		if err != nil {
			return nil, fmt.Errorf("decrypting api_key of profile %s: %w", p.ID, err)
		}
		unsealed := *p
		unsealed.APIKey = key
		profiles[i] = &unsealed
		sealed = true
	}
	if !sealed {
		return registry, nil
	}
	return profile.NewRegistry(profiles, logger), nil
}

func newImageFetcher(ctx context.Context, cfg *config.Config) (*remote.ImageFetcher, error) {
	var s3 *remote.S3Images
	if cfg.Images.S3Enabled() {
		var err error
		s3, err = remote.NewS3Images(ctx, remote.S3Config{
			Region:          cfg.Images.S3Region,
			Endpoint:        cfg.Images.S3Endpoint,
			AccessKeyID:     cfg.Images.S3AccessKeyID,
			SecretAccessKey: cfg.Images.S3SecretAccessKey,
			PathStyle:       cfg.Images.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("creating S3 image source: %w", err)
		}
	}
	return remote.NewImageFetcher(cfg.ImageTimeout(), s3), nil
}

// persistOperation saves the sync operation to the database, giving it an auto-increment ID,
// and tags ctx with it so reconciliation attempts are filed under the operation.
// This should only be called for commands that write locally or remotely.
func (a *SyndicateApp) persistOperation(ctx context.Context, parameters string) (context.Context, error) {
	if !a.op.Persisted() {
		a.op.Parameters = parameters
		op, err := a.db.CreateSyncOperation(ctx, a.op.Operation, a.op.Parameters)
		if err != nil {
			return ctx, fmt.Errorf("persisting sync operation: %w", err)
		}
		a.op.ID = op.ID
	}
	return syndicate.WithOperationID(ctx, a.op.ID), nil
}

func (a *SyndicateApp) scheduler(foreground bool) syndicate.Scheduler {
	if foreground {
		return &syndicate.InlineScheduler{Service: a.service}
	}
	return &syndicate.QueueScheduler{Queue: a.queue}
}

// ephemeralQueue reports whether queued jobs would be lost when the process exits.
func (a *SyndicateApp) ephemeralQueue() bool {
	return a.cfg.Queue.Type == "" || a.cfg.Queue.Type == "memory"
}

// drainEphemeral runs jobs left on an in-process queue, since no separate
// worker can ever see them. It returns the completed and dead-lettered counts.
func (a *SyndicateApp) drainEphemeral(ctx context.Context) (completed, dead int, err error) {
	if !a.ephemeralQueue() {
		return 0, 0, nil
	}
	w := syndicate.NewWorker(a.queue, a.service, 0)
	completed, _, err = w.Drain(ctx, 0)
	if err != nil {
		return completed, 0, fmt.Errorf("running queued jobs: %w", err)
	}
	letters, err := a.queue.DeadLetters(ctx)
	if err != nil {
		return completed, 0, fmt.Errorf("reading dead letters: %w", err)
	}
	return completed, len(letters), nil
}

// SyncOptions controls a Sync run.
type SyncOptions struct {
	// Timeout is the pause between two datasets.
	Timeout time.Duration

	// Foreground reconciles in the calling goroutine instead of enqueueing.
	Foreground bool

	// Progress, when set, is called before each dataset and once at the end
	// with a nil dataset.
	Progress func(done, total int, d *model.Dataset)
}

// SyncSummary reports the outcome of a Sync run.
type SyncSummary struct {
	Datasets  int // datasets visited
	Scheduled int // (dataset, profile) pairs reconciled or enqueued
	Completed int // queued jobs run in process
	Failed    int // pairs that failed, including dead-lettered jobs
}

// Sync schedules an update of every dataset, or of the one matching
// idOrName, for each eligible profile. A failing pair is logged and counted
// without stopping the run.
func (a *SyndicateApp) Sync(ctx context.Context, idOrName string, opts SyncOptions) (*SyncSummary, error) {
	ctx, err := a.persistOperation(ctx, idOrName)
	if err != nil {
		return nil, err
	}

	var filter []string
	if idOrName != "" {
		filter = []string{idOrName}
	}
	datasets, err := a.db.ListDatasets(ctx, filter)
	if err != nil {
		a.op.Fail()
		return nil, fmt.Errorf("listing datasets: %w", err)
	}

	sched := a.scheduler(opts.Foreground)
	sum := &SyncSummary{Datasets: len(datasets)}
	for i, d := range datasets {
		if opts.Progress != nil {
			opts.Progress(i, len(datasets), d)
		}

		for _, p := range a.service.ProfilesFor(d) {
			if err := sched.Schedule(ctx, d.ID, syndicate.TopicUpdate, p); err != nil {
				a.logger.Error("sync failed", "dataset", d.ID, "profile", p.ID, "error", err)
				sum.Failed++
				continue
			}
			sum.Scheduled++
		}

		if opts.Timeout > 0 && i < len(datasets)-1 {
			select {
			case <-ctx.Done():
				a.op.Fail()
				return sum, ctx.Err()
			case <-time.After(opts.Timeout):
			}
		}
	}
	if opts.Progress != nil {
		opts.Progress(len(datasets), len(datasets), nil)
	}

	if !opts.Foreground {
		completed, dead, err := a.drainEphemeral(ctx)
		sum.Completed = completed
		sum.Failed += dead
		if err != nil {
			a.op.Fail()
			return sum, err
		}
	}

	if sum.Failed > 0 {
		a.op.Fail()
	}
	return sum, nil
}

// CheckEntry lists the profiles a dataset would be syndicated to.
type CheckEntry struct {
	DatasetID string
	Profiles  []string
}

// ProfileCount is the number of datasets eligible for a profile.
type ProfileCount struct {
	ProfileID string
	Datasets  int
}

// CheckReport is the result of Check.
type CheckReport struct {
	Entries []CheckEntry   // datasets with at least one eligible profile
	Counts  []ProfileCount // in order of first appearance
}

// Check reports, per dataset, the profiles that would be used, plus a
// per-profile total. An empty ids list checks every dataset.
func (a *SyndicateApp) Check(ctx context.Context, ids []string) (*CheckReport, error) {
	datasets, err := a.db.ListDatasets(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("listing datasets: %w", err)
	}

	report := &CheckReport{}
	index := make(map[string]int)
	for _, d := range datasets {
		var names []string
		for _, p := range a.service.ProfilesFor(d) {
			names = append(names, p.ID)
			if i, ok := index[p.ID]; ok {
				report.Counts[i].Datasets++
				continue
			}
			index[p.ID] = len(report.Counts)
			report.Counts = append(report.Counts, ProfileCount{ProfileID: p.ID, Datasets: 1})
		}
		if len(names) > 0 {
			report.Entries = append(report.Entries, CheckEntry{DatasetID: d.ID, Profiles: names})
		}
	}
	return report, nil
}

// Profiles returns the configured profiles in registry order.
func (a *SyndicateApp) Profiles() []*syndicate.Profile {
	return a.profiles.List()
}

// Prepare computes the payload that would be sent for a dataset without
// writing it to the remote.
func (a *SyndicateApp) Prepare(ctx context.Context, idOrName, profileID, topic string) (*syndicate.Prepared, error) {
	p, err := a.profiles.Get(profileID)
	if err != nil {
		return nil, err
	}
	t, err := syndicate.ParseTopic(topic)
	if err != nil {
		return nil, err
	}
	return a.service.Prepare(ctx, idOrName, t, p)
}

// SyncGroup mirrors a local organization or group to a profile's remote and
// returns the remote id.
func (a *SyndicateApp) SyncGroup(ctx context.Context, idOrName, profileID string, kind syndicate.GroupKind, skipExisting bool) (string, error) {
	ctx, err := a.persistOperation(ctx, fmt.Sprintf("%s %s %s", kind, idOrName, profileID))
	if err != nil {
		return "", err
	}
	p, err := a.profiles.Get(profileID)
	if err != nil {
		a.op.Fail()
		return "", err
	}
	id, err := a.service.EnsureRemoteGroup(ctx, idOrName, p, kind, skipExisting)
	if err != nil {
		a.op.Fail()
		return "", err
	}
	return id, nil
}

// PutResult reports the outcome of PutDataset.
type PutResult struct {
	Dataset   *model.Dataset
	Created   bool
	Completed int // queued jobs run in process
	Failed    int // dead-lettered jobs
}

// PutDataset stores a dataset in the local catalog and notifies the change,
// as the catalog's own lifecycle hook would. Linkage values already stored
// on the dataset are kept when the new version omits them.
func (a *SyndicateApp) PutDataset(ctx context.Context, d *model.Dataset) (*PutResult, error) {
	ctx, err := a.persistOperation(ctx, d.Name)
	if err != nil {
		return nil, err
	}

	if err := a.keepLinkage(ctx, d); err != nil {
		a.op.Fail()
		return nil, err
	}

	created, err := a.db.SaveDataset(ctx, d)
	if err != nil {
		a.op.Fail()
		return nil, fmt.Errorf("saving dataset: %w", err)
	}
	stored, err := a.db.GetDataset(ctx, d.ID)
	if err != nil {
		a.op.Fail()
		return nil, fmt.Errorf("reloading dataset: %w", err)
	}

	op := syndicate.OperationChanged
	if created {
		op = syndicate.OperationNew
	}
	res := &PutResult{Dataset: stored, Created: created}
	if err := a.notifier.OnChange(ctx, stored, op); err != nil {
		a.op.Fail()
		return res, fmt.Errorf("notifying change: %w", err)
	}

	res.Completed, res.Failed, err = a.drainEphemeral(ctx)
	if err != nil || res.Failed > 0 {
		a.op.Fail()
	}
	if err != nil {
		return res, err
	}
	if stored, err = a.db.GetDataset(ctx, d.ID); err == nil {
		res.Dataset = stored
	}
	return res, nil
}

func (a *SyndicateApp) keepLinkage(ctx context.Context, d *model.Dataset) error {
	key := d.ID
	if key == "" {
		key = d.Name
	}
	existing, err := a.db.GetDataset(ctx, key)
	if errors.Is(err, syndicate.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading existing dataset: %w", err)
	}

	d.ID = existing.ID
	for _, p := range a.profiles.List() {
		if _, ok := d.Extra(p.LinkageField); ok {
			continue
		}
		if v, ok := existing.Extra(p.LinkageField); ok {
			if d.Extras == nil {
				d.Extras = make(map[string]string)
			}
			d.Extras[p.LinkageField] = v
		}
	}
	return nil
}

// WorkerOptions controls RunWorker.
type WorkerOptions struct {
	// MetricsAddr, when set, serves Prometheus metrics at /metrics.
	// Defaults to the configured metrics listen address.
	MetricsAddr string

	// Drain stops the worker once the queue is empty.
	Drain bool

	// Recover returns jobs left in flight by a crashed worker to the queue
	// before starting. Only safe when no other worker is running.
	Recover bool

	// Idle is the poll interval on an empty queue.
	Idle time.Duration
}

// RunWorker processes queued jobs until ctx is cancelled, or until the
// queue is empty with Drain.
func (a *SyndicateApp) RunWorker(ctx context.Context, opts WorkerOptions) error {
	if opts.MetricsAddr == "" {
		opts.MetricsAddr = a.cfg.Metrics.ListenAddr
	}
	ctx, err := a.persistOperation(ctx, opts.MetricsAddr)
	if err != nil {
		return err
	}

	if opts.Recover {
		if _, err := a.queue.Recover(ctx); err != nil {
			a.op.Fail()
			return err
		}
	}

	if opts.MetricsAddr != "" {
		srv := a.serveMetrics(opts.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go a.watchQueueDepth(watchCtx, 5*time.Second)

	w := syndicate.NewWorker(a.queue, a.service, opts.Idle)
	if opts.Drain {
		succeeded, failed, err := w.Drain(ctx, 0)
		a.logger.Info("queue drained", "succeeded", succeeded, "failed", failed)
		if err != nil || failed > 0 {
			a.op.Fail()
		}
		return err
	}
	return w.Run(ctx)
}

func (a *SyndicateApp) serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

func (a *SyndicateApp) watchQueueDepth(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if n, err := a.queue.Len(ctx); err == nil {
			a.metrics.SetQueueDepth(n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DeadLetters returns jobs that exhausted their attempts.
func (a *SyndicateApp) DeadLetters(ctx context.Context) ([]syndicate.Job, error) {
	return a.queue.DeadLetters(ctx)
}

// GetHistory returns the most recent sync operations.
func (a *SyndicateApp) GetHistory(ctx context.Context, limit int) ([]*syndicate.SyncOperation, error) {
	return a.service.GetHistory(ctx, limit)
}

// GetAttempts returns the reconciliation attempts recorded for a dataset.
func (a *SyndicateApp) GetAttempts(ctx context.Context, idOrName string) ([]*syndicate.Attempt, error) {
	d, err := a.db.GetDataset(ctx, idOrName)
	if err != nil {
		return nil, fmt.Errorf("loading dataset %s: %w", idOrName, err)
	}
	return a.db.ListAttempts(ctx, d.ID)
}

// Close finalizes the operation and closes all resources.
func (a *SyndicateApp) Close() error {
	var firstErr error

	if a.op.Persisted() {
		if err := a.db.FinishSyncOperation(context.Background(), a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing sync operation: %w", err)
		}
	}

	if err := a.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *SyndicateApp) closeResources() error {
	var firstErr error
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			firstErr = fmt.Errorf("closing queue: %w", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// MigrateDatabase brings the configured database schema to the latest version.
func MigrateDatabase(cfg *config.Config) error {
	db, err := database.NewDatabaseFromConfig(cfg.Database, syndicate.RealClock{}, syndicate.UUIDGenerator{})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// SealSecret encrypts value with the configured age identity, for use as a
// profile api_key.
func SealSecret(cfg *config.Config, value string) (string, error) {
	keyring := encryption.NewAgeKeyring(cfg.Secrets)
	if !keyring.IsConfigured() {
		return "", fmt.Errorf("no identity at %s: run secrets init first", cfg.Secrets.IdentityFile)
	}
	return keyring.Seal(strings.TrimSpace(value))
}
