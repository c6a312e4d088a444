package syndicate

import (
	"context"
	"errors"
	"fmt"
)

// DefaultGroupImageURL is uploaded for groups without an image of their own.
const DefaultGroupImageURL = "https://www.gravatar.com/avatar/123?s=400&d=identicon"

// Fields of a group payload that are never replicated.
var nonTransportableGroupFields = []string{"image_url", "num_followers", "tags", "users", "groups"}

// EnsureRemoteGroup mirrors a local group or organization to the profile's
// remote and returns the remote id. A same-named remote record is reused;
// with skipExisting it is returned untouched, otherwise it is updated.
//
// Remote lookup failures other than "not found" are logged and treated as
// absence when they are authorization or remote errors, so flaky remotes do
// not block dataset syndication. Any other error propagates.
func (s *Service) EnsureRemoteGroup(ctx context.Context, idOrName string, p *Profile, kind GroupKind, skipExisting bool) (string, error) {
	id, err := s.ensureRemoteGroup(ctx, idOrName, p, kind, skipExisting)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveGroupSync(p.ID, kind, outcome)
	return id, err
}

func (s *Service) ensureRemoteGroup(ctx context.Context, idOrName string, p *Profile, kind GroupKind, skipExisting bool) (string, error) {
	group, err := s.catalog.GetGroup(ctx, idOrName)
	if err != nil {
		return "", fmt.Errorf("loading %s %s: %w", kind, idOrName, err)
	}

	rc, err := s.dial(p)
	if err != nil {
		return "", err
	}

	existing, err := rc.GroupShow(ctx, kind, group.Name)
	if err != nil {
		var (
			authErr   *AuthorizationError
			remoteErr *RemoteError
		)
		switch {
		case IsRemoteNotFound(err):
			s.logger.Info("remote group not found, creating", "kind", string(kind), "name", group.Name, "profile", p.ID)
		case errors.As(err, &authErr), errors.As(err, &remoteErr):
			s.logger.Error("replication error, trying to continue", "kind", string(kind), "name", group.Name, "error", err)
		default:
			s.logger.Error("replication error", "kind", string(kind), "name", group.Name, "error", err)
			return "", fmt.Errorf("looking up remote %s %s: %w", kind, group.Name, err)
		}
		existing = nil
	}

	if skipExisting && existing != nil {
		return existing.String("id"), nil
	}

	data := GroupPayload(group)
	data.Pop("id")
	if existing != nil {
		data["id"] = existing.String("id")
	}
	for _, field := range nonTransportableGroupFields {
		data.Pop(field)
	}

	imageURL, _ := data.Pop("image_display_url")
	url, _ := imageURL.(string)
	if url == "" {
		url = DefaultGroupImageURL
	}
	if p.UploadOrganizationImage && s.images != nil {
		upload, err := s.images.Fetch(ctx, url)
		if err != nil {
			return "", fmt.Errorf("fetching image for %s %s: %w", kind, group.Name, err)
		}
		data["image_upload"] = upload
	} else {
		data["image_url"] = url
	}

	for _, plugin := range s.plugins {
		data, err = plugin.PrepareGroup(group.ID, data, p)
		if err != nil {
			return "", fmt.Errorf("preparing %s %s for syndication: %w", kind, group.Name, err)
		}
	}

	s.signals.beforeGroupSyndication(Event{LocalID: group.ID, Profile: p, Kind: kind, Payload: data})

	var remote Payload
	if existing == nil {
		remote, err = rc.GroupCreate(ctx, kind, data)
	} else {
		remote, err = rc.GroupUpdate(ctx, kind, data)
	}
	if err != nil {
		return "", fmt.Errorf("syndicating %s %s: %w", kind, group.Name, err)
	}

	s.signals.afterGroupSyndication(Event{LocalID: group.ID, Profile: p, Kind: kind, Payload: remote})
	s.logger.Info("group syndicated", "kind", string(kind), "name", group.Name, "profile", p.ID, "remote_id", remote.String("id"))
	return remote.String("id"), nil
}
