// Package profile builds the syndication profile registry from configuration.
//
// Two configuration shapes are supported and merged into one ordered list:
// the deprecated positional shape, where the Nth item of each list under
// "syndicate." forms the Nth profile, and the namespaced shape, where each
// attribute is keyed as "profile.<id>.<attribute>". Positional profiles come
// first.
package profile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"syndicate-go/internal/config"
	"syndicate-go/internal/syndicate"
)

const (
	// LegacyPrefix introduces the positional, parallel-list profile shape.
	LegacyPrefix = "syndicate."

	// Prefix introduces namespaced profile attributes.
	Prefix = "profile."
)

// legacyKeys are the attributes accepted in positional form, in the order
// their lists are zipped.
var legacyKeys = []string{
	"api_key",
	"author",
	"extras",
	"field_id",
	"flag",
	"organization",
	"predicate",
	"name_prefix",
	"replicate_organization",
	"update_organization",
	"ckan_url",
}

// Registry is an immutable, ordered set of profiles.
type Registry struct {
	profiles []*syndicate.Profile
}

var _ syndicate.Profiles = (*Registry)(nil)

// NewRegistry creates a registry from already parsed profiles.
// Later profiles with a duplicate id are dropped.
func NewRegistry(profiles []*syndicate.Profile, logger syndicate.Logger) *Registry {
	seen := make(map[string]bool, len(profiles))
	r := &Registry{}
	for _, p := range profiles {
		if seen[p.ID] {
			logger.Warn("duplicate profile id ignored", "profile", p.ID)
			continue
		}
		seen[p.ID] = true
		r.profiles = append(r.profiles, p)
	}
	return r
}

// NewRegistryFromConfig parses both profile shapes from cfg's options.
func NewRegistryFromConfig(cfg *config.Config, logger syndicate.Logger) *Registry {
	opts := cfg.Options()
	profiles := append(ParseLegacy(opts, logger), ParseNamespaced(opts, logger)...)
	return NewRegistry(profiles, logger)
}

// List returns all profiles in configuration order.
func (r *Registry) List() []*syndicate.Profile {
	return append([]*syndicate.Profile(nil), r.profiles...)
}

// Get returns the profile with the given id.
func (r *Registry) Get(id string) (*syndicate.Profile, error) {
	for _, p := range r.profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", syndicate.ErrProfileNotFound, id)
}

// ParseLegacy builds profiles from parallel lists. Profile ids are the list
// positions; attributes missing at a position keep their defaults.
func ParseLegacy(opts []config.Option, logger syndicate.Logger) []*syndicate.Profile {
	lists := make(map[string][]string, len(legacyKeys))
	longest := 0
	for _, opt := range opts {
		attr, ok := strings.CutPrefix(opt.Key, LegacyPrefix)
		if !ok || !isLegacyKey(attr) {
			continue
		}
		items := opt.Items()
		lists[attr] = items
		longest = max(longest, len(items))
	}

	profiles := make([]*syndicate.Profile, 0, longest)
	for idx := 0; idx < longest; idx++ {
		attrs := make(map[string]string)
		for _, key := range legacyKeys {
			if items := lists[key]; idx < len(items) {
				attrs[key] = items[idx]
			}
		}

		id := strconv.Itoa(idx)
		logger.Warn("deprecated profile definition, use the profile.<id>.<option> form", "profile", id)
		profiles = append(profiles, build(id, attrs, logger))
	}
	return profiles
}

// ParseNamespaced builds profiles from "profile.<id>.<attribute>" options,
// ordered by the first appearance of each id.
func ParseNamespaced(opts []config.Option, logger syndicate.Logger) []*syndicate.Profile {
	var order []string
	attrs := make(map[string]map[string]string)

	for _, opt := range opts {
		rest, ok := strings.CutPrefix(opt.Key, Prefix)
		if !ok {
			continue
		}
		id, attr, ok := strings.Cut(rest, ".")
		if !ok || id == "" || attr == "" {
			logger.Warn("malformed profile option ignored", "option", opt.Key)
			continue
		}
		if _, seen := attrs[id]; !seen {
			attrs[id] = make(map[string]string)
			order = append(order, id)
		}
		attrs[id][attr] = opt.Value
	}

	profiles := make([]*syndicate.Profile, 0, len(order))
	for _, id := range order {
		profiles = append(profiles, build(id, attrs[id], logger))
	}
	return profiles
}

// build applies attrs on top of the profile defaults. A bad value only
// affects its own attribute.
func build(id string, attrs map[string]string, logger syndicate.Logger) *syndicate.Profile {
	p := syndicate.NewProfile(id)

	for attr, value := range attrs {
		switch attr {
		case "ckan_url":
			p.RemoteURL = strings.TrimRight(value, "/")
		case "api_key":
			p.APIKey = value
		case "organization":
			p.Organization = value
		case "flag":
			if value != "" {
				p.SyndicationFlag = value
			}
		case "field_id":
			if value != "" {
				p.LinkageField = value
			}
		case "name_prefix":
			p.NamePrefix = value
		case "author":
			p.Author = value
		case "user_agent":
			p.UserAgent = value
		case "predicate":
			p.Predicate = value
		case "extras":
			p.Extras = parseExtras(id, value, logger)
		case "replicate_organization":
			p.ReplicateOrganization = parseFlag(id, attr, value, p.ReplicateOrganization, logger)
		case "update_organization":
			p.UpdateOrganization = parseFlag(id, attr, value, p.UpdateOrganization, logger)
		case "refresh_package_name":
			p.RefreshPackageName = parseFlag(id, attr, value, p.RefreshPackageName, logger)
		case "upload_organization_image":
			p.UploadOrganizationImage = parseFlag(id, attr, value, p.UploadOrganizationImage, logger)
		default:
			logger.Warn("unknown profile option ignored", "profile", id, "option", attr)
		}
	}
	return p
}

func parseFlag(id, attr, value string, fallback bool, logger syndicate.Logger) bool {
	b, err := syndicate.ParseBool(value)
	if err != nil {
		logger.Warn("invalid boolean profile option, keeping default", "profile", id, "option", attr, "value", value)
		return fallback
	}
	return b
}

// parseExtras decodes a JSON object. Invalid input yields an empty map.
func parseExtras(id, value string, logger syndicate.Logger) map[string]any {
	extras := map[string]any{}
	if strings.TrimSpace(value) == "" {
		return extras
	}
	if err := json.Unmarshal([]byte(value), &extras); err != nil {
		logger.Warn("invalid profile extras, using empty extras", "profile", id, "error", err)
		return map[string]any{}
	}
	if extras == nil {
		return map[string]any{}
	}
	return extras
}

func isLegacyKey(attr string) bool {
	for _, k := range legacyKeys {
		if k == attr {
			return true
		}
	}
	return false
}
