package syndicate

import (
	"errors"
	"sync"

	"syndicate-go/internal/model"
)

// NameInUseMessage is the remote's validation message for a taken dataset name.
const NameInUseMessage = "That URL is already in use."

// Plugin customizes syndication. Handlers are consulted in registration
// order: only the first handler decides eligibility, while every handler
// gets to edit outgoing payloads.
type Plugin interface {
	// SkipSyndication returns true when the dataset must not be syndicated
	// to the profile.
	SkipSyndication(d *model.Dataset, p *Profile) bool

	// PreparePackage edits the dataset payload about to be sent. Returning
	// an error vetoes the write.
	PreparePackage(localID string, data Payload, p *Profile) (Payload, error)

	// PrepareGroup edits the group or organization payload about to be sent.
	PrepareGroup(localID string, data Payload, p *Profile) (Payload, error)

	// ReattachOnError reports whether a failed remote write means the
	// dataset already exists remotely under the same name.
	ReattachOnError(err error) bool
}

// Predicate decides whether a dataset may be syndicated.
type Predicate func(d *model.Dataset) bool

// PredicateRegistry resolves the predicate names referenced by profiles.
// Safe for concurrent use.
type PredicateRegistry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
}

func NewPredicateRegistry() *PredicateRegistry {
	return &PredicateRegistry{predicates: make(map[string]Predicate)}
}

// Register binds name to fn, replacing any previous binding.
func (r *PredicateRegistry) Register(name string, fn Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = fn
}

// Lookup returns the predicate bound to name.
func (r *PredicateRegistry) Lookup(name string) (Predicate, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.predicates[name]
	return fn, ok
}

// DefaultPlugin implements the stock syndication rules. Custom plugins can
// embed it and override only what they need.
type DefaultPlugin struct {
	Predicates *PredicateRegistry
	Logger     Logger
}

func (dp *DefaultPlugin) logger() Logger {
	if dp.Logger == nil {
		return NewNopLogger()
	}
	return dp.Logger
}

// SkipSyndication skips private datasets, datasets rejected by the
// profile's predicate and datasets whose syndication flag is not true.
func (dp *DefaultPlugin) SkipSyndication(d *model.Dataset, p *Profile) bool {
	if d.Private {
		return true
	}

	if p.Predicate != "" {
		pred, ok := dp.Predicates.Lookup(p.Predicate)
		if !ok {
			dp.logger().Warn("unknown predicate, skipping syndication", "dataset", d.ID, "profile", p.ID, "predicate", p.Predicate)
			return true
		}
		if !pred(d) {
			dp.logger().Info("dataset rejected by predicate", "dataset", d.ID, "profile", p.ID, "predicate", p.Predicate)
			return true
		}
	}

	flag, _ := d.Extra(p.SyndicationFlag)
	syndicate, err := ParseBool(flag)
	if err != nil {
		dp.logger().Debug("unparseable syndication flag", "dataset", d.ID, "flag", p.SyndicationFlag, "value", flag)
		return true
	}
	return !syndicate
}

func (dp *DefaultPlugin) PreparePackage(_ string, data Payload, _ *Profile) (Payload, error) {
	return data, nil
}

func (dp *DefaultPlugin) PrepareGroup(_ string, data Payload, _ *Profile) (Payload, error) {
	return data, nil
}

// ReattachOnError matches a validation error whose name field carries the
// remote's "already in use" message.
func (dp *DefaultPlugin) ReattachOnError(err error) bool {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return false
	}
	return verr.HasMessage("name", NameInUseMessage)
}

var _ Plugin = (*DefaultPlugin)(nil)
