package syndicate

import (
	"context"
	"fmt"

	"syndicate-go/internal/model"
)

// Service is the orchestration layer that decides eligibility, reconciles
// local datasets with their remote copies and replicates organizations.
type Service struct {
	catalog  Catalog
	profiles Profiles
	dialer   Dialer
	images   ImageFetcher
	plugins  []Plugin
	signals  *Signals
	history  History
	metrics  Metrics
	logger   Logger
	clock    Clock
	idgen    IDGenerator

	isNameCollision func(error) bool
}

// Options holds the optional collaborators of a Service. Zero values fall
// back to no-op or default implementations.
type Options struct {
	Images  ImageFetcher
	Plugins []Plugin
	Signals *Signals
	History History
	Metrics Metrics
	Logger  Logger
	Clock   Clock
	IDGen   IDGenerator

	// IsNameCollision overrides detection of "name already in use" errors.
	// Defaults to the first plugin's ReattachOnError.
	IsNameCollision func(error) bool
}

// NewService creates a Service reading from catalog, resolving profiles from
// profiles and reaching remote catalogs through dialer.
func NewService(catalog Catalog, profiles Profiles, dialer Dialer, opts Options) *Service {
	s := &Service{
		catalog:         catalog,
		profiles:        profiles,
		dialer:          dialer,
		images:          opts.Images,
		plugins:         opts.Plugins,
		signals:         opts.Signals,
		history:         opts.History,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		clock:           opts.Clock,
		idgen:           opts.IDGen,
		isNameCollision: opts.IsNameCollision,
	}

	if s.logger == nil {
		s.logger = NewNopLogger()
	}
	if len(s.plugins) == 0 {
		s.plugins = []Plugin{&DefaultPlugin{Predicates: NewPredicateRegistry(), Logger: s.logger}}
	}
	if s.signals == nil {
		s.signals = NewSignals(s.logger)
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.clock == nil {
		s.clock = RealClock{}
	}
	if s.idgen == nil {
		s.idgen = UUIDGenerator{}
	}
	if s.isNameCollision == nil {
		s.isNameCollision = s.plugins[0].ReattachOnError
	}
	return s
}

// Signals returns the hub observers subscribe to.
func (s *Service) Signals() *Signals { return s.signals }

// Profiles returns the registry the service resolves profiles from.
func (s *Service) Profiles() Profiles { return s.profiles }

// IsEligible reports whether d should be syndicated to p. Only the first
// registered plugin is consulted.
func (s *Service) IsEligible(d *model.Dataset, p *Profile) bool {
	return !s.plugins[0].SkipSyndication(d, p)
}

// ProfilesFor returns the profiles d is eligible for, in registry order.
func (s *Service) ProfilesFor(d *model.Dataset) []*Profile {
	var out []*Profile
	for _, p := range s.profiles.List() {
		if !s.IsEligible(d, p) {
			s.logger.Debug("syndication skipped", "dataset", d.ID, "profile", p.ID)
			continue
		}
		out = append(out, p)
	}
	return out
}

// TriggerSync schedules an update of the dataset for every eligible profile.
func (s *Service) TriggerSync(ctx context.Context, idOrName string, sched Scheduler) error {
	d, err := s.catalog.GetDataset(ctx, idOrName)
	if err != nil {
		return fmt.Errorf("loading dataset %s: %w", idOrName, err)
	}
	for _, p := range s.ProfilesFor(d) {
		s.logger.Debug("syndicate dataset", "dataset", d.ID, "remote", p.RemoteURL)
		if err := sched.Schedule(ctx, d.ID, TopicUpdate, p); err != nil {
			return fmt.Errorf("scheduling %s for profile %s: %w", d.ID, p.ID, err)
		}
	}
	return nil
}

func (s *Service) dial(p *Profile) (RemoteCatalog, error) {
	rc, err := s.dialer.Dial(p)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", p.RemoteURL, err)
	}
	return rc, nil
}
