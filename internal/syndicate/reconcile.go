package syndicate

import (
	"context"
	"fmt"

	"syndicate-go/internal/model"
)

// Prepared is the outcome of payload preparation for one (dataset, profile) pair.
type Prepared struct {
	Dataset *model.Dataset
	Source  Payload // local dataset as shown by the catalog
	Payload Payload // data that will be sent to the remote
	Topic   Topic   // resolved topic; may differ from the requested one
}

// Result describes a completed reconciliation.
type Result struct {
	LocalID    string
	RemoteID   string
	Topic      Topic
	Reattached bool
}

// Prepare computes the outgoing payload and the effective topic without
// writing anything remotely. Remote lookups of the linked dataset and
// organization replication may still reach the remote catalog.
func (s *Service) Prepare(ctx context.Context, idOrName string, topic Topic, p *Profile) (*Prepared, error) {
	rc, err := s.dial(p)
	if err != nil {
		return nil, err
	}
	return s.prepare(ctx, rc, idOrName, topic, p)
}

func (s *Service) prepare(ctx context.Context, rc RemoteCatalog, idOrName string, topic Topic, p *Profile) (*Prepared, error) {
	if topic != TopicCreate && topic != TopicUpdate {
		return nil, fmt.Errorf("cannot syndicate with topic %s", topic)
	}

	d, err := s.catalog.GetDataset(ctx, idOrName)
	if err != nil {
		return nil, fmt.Errorf("loading dataset %s: %w", idOrName, err)
	}
	source := DatasetPayload(d)

	base, resolved, err := s.resolveBase(ctx, rc, d, source, topic, p)
	if err != nil {
		return nil, err
	}

	base.Pop("organization")
	ownerOrg, err := s.resolveOwner(ctx, d, p)
	if err != nil {
		return nil, err
	}
	base["owner_org"] = ownerOrg

	prepared, err := s.preparePackage(d.ID, base, p)
	if err != nil {
		return nil, err
	}

	return &Prepared{Dataset: d, Source: source, Payload: prepared, Topic: resolved}, nil
}

// resolveBase decides between create and update. A dataset is updated only
// when its linkage field points at a remote dataset that still exists;
// otherwise it is created under a freshly computed remote name.
func (s *Service) resolveBase(ctx context.Context, rc RemoteCatalog, d *model.Dataset, source Payload, topic Topic, p *Profile) (Payload, Topic, error) {
	base := source.Clone()

	if linked, _ := d.Extra(p.LinkageField); linked != "" {
		remote, err := rc.PackageShow(ctx, linked)
		switch {
		case err == nil:
			if topic == TopicCreate {
				s.logger.Debug("dataset already syndicated, updating instead", "dataset", d.ID, "profile", p.ID, "remote_id", linked)
			}
			base["id"] = remote.String("id")
			if p.RefreshPackageName {
				base["name"] = RemoteName(d.Name, p)
			} else {
				base["name"] = remote.String("name")
			}
			return base, TopicUpdate, nil
		case IsRemoteNotFound(err):
			s.logger.Info("linked remote dataset is gone, creating a new one", "dataset", d.ID, "profile", p.ID, "remote_id", linked)
		default:
			return nil, TopicUnknown, fmt.Errorf("reading remote dataset %s: %w", linked, err)
		}
	} else if topic == TopicUpdate {
		s.logger.Debug("dataset was never syndicated, creating", "dataset", d.ID, "profile", p.ID)
	}

	delete(base, "id")
	base["name"] = RemoteName(d.Name, p)
	return base, TopicCreate, nil
}

// resolveOwner returns the remote organization id the dataset is attached to.
func (s *Service) resolveOwner(ctx context.Context, d *model.Dataset, p *Profile) (string, error) {
	if !p.ReplicateOrganization {
		return p.Organization, nil
	}
	if d.Organization == nil {
		s.logger.Warn("dataset has no organization to replicate, using profile organization", "dataset", d.ID, "profile", p.ID)
		return p.Organization, nil
	}

	id, err := s.EnsureRemoteGroup(ctx, d.Organization.ID, p, KindOrganization, !p.UpdateOrganization)
	if err != nil {
		return "", fmt.Errorf("replicating organization %s: %w", d.Organization.Name, err)
	}
	return id, nil
}

// preparePackage strips local-only data and lets plugins edit the payload last.
func (s *Service) preparePackage(localID string, data Payload, p *Profile) (Payload, error) {
	if extras, ok := data["extras"].([]any); ok {
		kept := make([]any, 0, len(extras))
		for _, e := range extras {
			if m, ok := e.(map[string]any); ok && m["key"] == p.LinkageField {
				continue
			}
			kept = append(kept, e)
		}
		data["extras"] = kept
	}

	if resources, ok := data["resources"].([]any); ok {
		reduced := make([]any, 0, len(resources))
		for _, r := range resources {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			reduced = append(reduced, map[string]any{"url": m["url"], "name": m["name"]})
		}
		data["resources"] = reduced
	}

	var err error
	for _, plugin := range s.plugins {
		data, err = plugin.PreparePackage(localID, data, p)
		if err != nil {
			return nil, fmt.Errorf("preparing dataset %s for syndication: %w", localID, err)
		}
	}
	return data, nil
}

// Reconcile makes the remote copy of a dataset match the local one under a
// profile and persists the linkage when a remote dataset is created or
// re-attached.
func (s *Service) Reconcile(ctx context.Context, idOrName string, topic Topic, p *Profile) (*Result, error) {
	start := s.clock.Now()
	res, err := s.reconcile(ctx, idOrName, topic, p)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveReconcile(p.ID, topic, outcome, s.clock.Now().Sub(start).Seconds())
	s.recordAttempt(ctx, idOrName, topic, p, res, err)
	return res, err
}

func (s *Service) reconcile(ctx context.Context, idOrName string, topic Topic, p *Profile) (*Result, error) {
	rc, err := s.dial(p)
	if err != nil {
		return nil, err
	}

	prep, err := s.prepare(ctx, rc, idOrName, topic, p)
	if err != nil {
		return nil, err
	}
	localID := prep.Dataset.ID

	s.signals.beforeSyndication(Event{LocalID: localID, Profile: p, Topic: prep.Topic, Payload: prep.Payload})

	var remote Payload
	if prep.Topic == TopicCreate {
		remote, err = rc.PackageCreate(ctx, prep.Payload)
	} else {
		remote, err = rc.PackageUpdate(ctx, prep.Payload)
	}

	res := &Result{LocalID: localID, Topic: prep.Topic}
	switch {
	case err != nil && s.isNameCollision(err):
		remoteID, rerr := s.reattach(ctx, localID, prep.Payload, p, rc, err)
		if rerr != nil {
			return nil, rerr
		}
		res.RemoteID = remoteID
		res.Reattached = true
		remote = Payload{"id": remoteID}
	case err != nil:
		return nil, fmt.Errorf("syndicating dataset %s to %s: %w", localID, p.ID, err)
	default:
		res.RemoteID = remote.String("id")
		if res.RemoteID == "" {
			res.RemoteID = prep.Payload.String("id")
		}
		if prep.Topic == TopicCreate {
			if err := s.setLinkage(ctx, localID, res.RemoteID, p.LinkageField); err != nil {
				return nil, err
			}
		}
	}

	s.signals.afterSyndication(Event{LocalID: localID, Profile: p, Topic: prep.Topic, Payload: remote})
	s.logger.Info("dataset syndicated", "dataset", localID, "profile", p.ID, "topic", res.Topic.String(), "remote_id", res.RemoteID)
	return res, nil
}

// reattach links the local dataset to a same-named remote dataset, but only
// when that dataset was created by the profile's author. Every refusal
// returns cause so the original remote error surfaces to the caller.
func (s *Service) reattach(ctx context.Context, localID string, data Payload, p *Profile, rc RemoteCatalog, cause error) (string, error) {
	name := data.String("name")
	s.logger.Warn("remote dataset with the same name exists", "name", name, "profile", p.ID)

	if p.Author == "" {
		s.logger.Error("profile has no author set, skipping syndication", "profile", p.ID)
		return "", fmt.Errorf("re-attaching %s: profile %s has no author: %w", name, p.ID, cause)
	}

	remote, err := rc.PackageShow(ctx, name)
	if err != nil {
		if IsRemoteNotFound(err) {
			s.logger.Error("remote dataset is not readable by the current user, skipping syndication", "name", name, "profile", p.ID)
			return "", fmt.Errorf("re-attaching %s: remote dataset not readable: %w", name, cause)
		}
		return "", fmt.Errorf("re-attaching %s: reading remote dataset: %w", name, err)
	}

	user, err := rc.UserShow(ctx, p.Author)
	if err != nil {
		if IsRemoteNotFound(err) {
			s.logger.Error("author not found on remote, skipping syndication", "author", p.Author, "profile", p.ID)
			return "", fmt.Errorf("re-attaching %s: author %s not found: %w", name, p.Author, cause)
		}
		return "", fmt.Errorf("re-attaching %s: reading author %s: %w", name, p.Author, err)
	}

	if creator := remote.String("creator_user_id"); creator != user.String("id") {
		s.logger.Error("remote dataset creator does not match author, skipping syndication",
			"creator", creator, "author", p.Author, "author_id", user.String("id"))
		return "", fmt.Errorf("re-attaching %s: created by %s, not %s: %w", name, creator, p.Author, cause)
	}

	s.logger.Info("remote dataset belongs to author, re-attaching", "author", p.Author, "name", name)

	remoteID := remote.String("id")
	update := data.Clone()
	update["id"] = remoteID
	if _, err := rc.PackageUpdate(ctx, update); err != nil {
		return "", fmt.Errorf("updating re-attached dataset %s: %w", remoteID, err)
	}

	if err := s.setLinkage(ctx, localID, remoteID, p.LinkageField); err != nil {
		return "", err
	}
	return remoteID, nil
}

// setLinkage stores the remote id on the local dataset and reindexes it.
func (s *Service) setLinkage(ctx context.Context, localID, remoteID, field string) error {
	if err := s.catalog.SetDatasetExtra(ctx, localID, field, remoteID); err != nil {
		return fmt.Errorf("storing %s on dataset %s: %w", field, localID, err)
	}
	if err := s.catalog.Reindex(ctx, localID); err != nil {
		return fmt.Errorf("reindexing dataset %s: %w", localID, err)
	}
	return nil
}
