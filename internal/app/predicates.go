package app

import (
	"syndicate-go/internal/model"
	"syndicate-go/internal/syndicate"
)

// Built-in predicates a profile can reference by name.
const (
	PredicateHasResources = "has_resources"
	PredicateHasLicense   = "has_license"
	PredicateActive       = "active"
)

func registerPredicates(r *syndicate.PredicateRegistry) {
	r.Register(PredicateHasResources, func(d *model.Dataset) bool {
		return len(d.Resources) > 0
	})
	r.Register(PredicateHasLicense, func(d *model.Dataset) bool {
		return d.LicenseID != "" && d.LicenseID != "notspecified"
	})
	r.Register(PredicateActive, func(d *model.Dataset) bool {
		return d.State == model.StateActive
	})
}
