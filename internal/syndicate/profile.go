package syndicate

import (
	"fmt"
	"strings"
)

// Default field names used when a profile leaves them unset.
const (
	DefaultSyndicationFlag = "syndicate"
	DefaultLinkageField    = "syndicated_id"
)

// Profile describes one remote catalog and the rules for syndicating to it.
// Profiles are built once from configuration and must not be mutated afterwards.
type Profile struct {
	ID                      string
	RemoteURL               string
	APIKey                  string
	Organization            string // remote owner used when organizations are not replicated
	SyndicationFlag         string // local extra that opts a dataset in
	LinkageField            string // local extra holding the remote dataset id
	NamePrefix              string
	ReplicateOrganization   bool
	UpdateOrganization      bool
	RefreshPackageName      bool
	UploadOrganizationImage bool
	Author                  string
	UserAgent               string
	Predicate               string
	Extras                  map[string]any
}

// NewProfile returns a profile with the documented defaults applied.
func NewProfile(id string) *Profile {
	return &Profile{
		ID:                      id,
		SyndicationFlag:         DefaultSyndicationFlag,
		LinkageField:            DefaultLinkageField,
		UploadOrganizationImage: true,
		Extras:                  map[string]any{},
	}
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s(%s)", p.ID, p.RemoteURL)
}

// Profiles is the read-only registry consumed by the service.
type Profiles interface {
	// List returns every profile in configuration order.
	List() []*Profile

	// Get returns the profile with the given id, or ErrProfileNotFound.
	Get(id string) (*Profile, error)
}

// Topic is the intended remote operation for one reconciliation pass.
type Topic int

const (
	TopicUnknown Topic = iota
	TopicCreate
	TopicUpdate
)

func (t Topic) String() string {
	switch t {
	case TopicCreate:
		return "create"
	case TopicUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// ParseTopic accepts "create" or "update". Anything else is an error.
func ParseTopic(s string) (Topic, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create":
		return TopicCreate, nil
	case "update":
		return TopicUpdate, nil
	default:
		return TopicUnknown, fmt.Errorf("unknown topic %q: must be create or update", s)
	}
}

// ParseBool converts configuration and extras values into booleans.
// Tokens are matched case-insensitively.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "y", "t", "1":
		return true, nil
	case "false", "no", "off", "n", "f", "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", s)
	}
}
