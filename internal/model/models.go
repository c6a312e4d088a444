package model

import (
	"sort"
	"time"
)

// Dataset states.
const (
	StateActive  = "active"
	StateDeleted = "deleted"
	StateDraft   = "draft"
)

// Dataset represents a dataset record in the local catalog.
type Dataset struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Title            string            `json:"title"`
	Notes            string            `json:"notes"`
	URL              string            `json:"url"`
	Version          string            `json:"version"`
	LicenseID        string            `json:"license_id"`
	Author           string            `json:"author"`
	AuthorEmail      string            `json:"author_email"`
	Maintainer       string            `json:"maintainer"`
	MaintainerEmail  string            `json:"maintainer_email"`
	Private          bool              `json:"private"`
	State            string            `json:"state"`
	Type             string            `json:"type"`
	OwnerOrg         string            `json:"owner_org"` // Foreign key to Group (organization)
	Extras           map[string]string `json:"extras"`
	Tags             []string          `json:"tags"`
	Resources        []Resource        `json:"resources"`
	Organization     *Group            `json:"organization,omitempty"` // Loaded owner, nil when OwnerOrg is empty
	MetadataCreated  time.Time         `json:"metadata_created"`
	MetadataModified time.Time         `json:"metadata_modified"`
}

// Extra returns the value of an active extra and whether it is present.
func (d *Dataset) Extra(key string) (string, bool) {
	if d.Extras == nil {
		return "", false
	}
	v, ok := d.Extras[key]
	return v, ok
}

// ExtraKeys returns extra keys in a stable order.
func (d *Dataset) ExtraKeys() []string {
	keys := make([]string, 0, len(d.Extras))
	for k := range d.Extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resource represents a file or link attached to a dataset.
type Resource struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Format      string `json:"format"`
	Size        int64  `json:"size"`
	Hash        string `json:"hash"`
}

// Group represents a group or organization in the local catalog.
type Group struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	ImageURL       string    `json:"image_url"`
	IsOrganization bool      `json:"is_organization"`
	Type           string    `json:"type"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created"`
}
