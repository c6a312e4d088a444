package syndicate

import "context"

// GroupKind selects between organizations and plain groups on the remote.
type GroupKind string

const (
	KindOrganization GroupKind = "organization"
	KindGroup        GroupKind = "group"
)

// RemoteCatalog is the remote catalog API used by reconciliation.
// Every method must return *RemoteNotFoundError when the remote reports a
// missing record, *ValidationError when it rejects a payload,
// *AuthorizationError for refused credentials and *RemoteError otherwise.
type RemoteCatalog interface {
	PackageShow(ctx context.Context, idOrName string) (Payload, error)
	PackageCreate(ctx context.Context, data Payload) (Payload, error)
	PackageUpdate(ctx context.Context, data Payload) (Payload, error)

	GroupShow(ctx context.Context, kind GroupKind, idOrName string) (Payload, error)
	GroupCreate(ctx context.Context, kind GroupKind, data Payload) (Payload, error)
	GroupUpdate(ctx context.Context, kind GroupKind, data Payload) (Payload, error)

	UserShow(ctx context.Context, idOrName string) (Payload, error)
}

// Dialer returns the remote catalog a profile points at.
type Dialer interface {
	Dial(p *Profile) (RemoteCatalog, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(p *Profile) (RemoteCatalog, error)

func (f DialerFunc) Dial(p *Profile) (RemoteCatalog, error) { return f(p) }

// ImageFetcher downloads organization images for upload to the remote.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (*Upload, error)
}
