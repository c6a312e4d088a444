package syndicate

import (
	"time"

	"syndicate-go/internal/model"
)

// Payload is a dataset, group or user dictionary as exchanged with a remote
// catalog. Remote responses are decoded into the same shape.
type Payload map[string]any

// String returns the value under key when it is a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Clone returns a shallow copy; nested values are shared.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Pop removes key and returns its previous value.
func (p Payload) Pop(key string) (any, bool) {
	v, ok := p[key]
	delete(p, key)
	return v, ok
}

// Upload is binary data attached to a payload, sent as a multipart file field.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// DatasetPayload renders a local dataset the way the catalog API shows it.
func DatasetPayload(d *model.Dataset) Payload {
	extras := make([]any, 0, len(d.Extras))
	for _, k := range d.ExtraKeys() {
		extras = append(extras, map[string]any{"key": k, "value": d.Extras[k]})
	}

	resources := make([]any, 0, len(d.Resources))
	for _, r := range d.Resources {
		resources = append(resources, map[string]any{
			"id":          r.ID,
			"url":         r.URL,
			"name":        r.Name,
			"description": r.Description,
			"format":      r.Format,
			"size":        r.Size,
			"hash":        r.Hash,
			"package_id":  d.ID,
		})
	}

	tags := make([]any, 0, len(d.Tags))
	for _, t := range d.Tags {
		tags = append(tags, map[string]any{"name": t})
	}

	var org any
	if d.Organization != nil {
		org = map[string]any(GroupPayload(d.Organization))
	}

	return Payload{
		"id":                d.ID,
		"name":              d.Name,
		"title":             d.Title,
		"notes":             d.Notes,
		"url":               d.URL,
		"version":           d.Version,
		"license_id":        d.LicenseID,
		"author":            d.Author,
		"author_email":      d.AuthorEmail,
		"maintainer":        d.Maintainer,
		"maintainer_email":  d.MaintainerEmail,
		"private":           d.Private,
		"state":             d.State,
		"type":              d.Type,
		"owner_org":         d.OwnerOrg,
		"extras":            extras,
		"resources":         resources,
		"tags":              tags,
		"organization":      org,
		"metadata_created":  formatTime(d.MetadataCreated),
		"metadata_modified": formatTime(d.MetadataModified),
	}
}

// GroupPayload renders a local group or organization the way the catalog API shows it.
func GroupPayload(g *model.Group) Payload {
	return Payload{
		"id":                g.ID,
		"name":              g.Name,
		"title":             g.Title,
		"description":       g.Description,
		"image_url":         g.ImageURL,
		"image_display_url": g.ImageURL,
		"is_organization":   g.IsOrganization,
		"type":              g.Type,
		"state":             g.State,
		"created":           formatTime(g.CreatedAt),
		"num_followers":     0,
		"tags":              []any{},
		"users":             []any{},
		"groups":            []any{},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000")
}
