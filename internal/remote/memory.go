package remote

import (
	"context"
	"fmt"
	"sync"

	"syndicate-go/internal/syndicate"
)

// MemoryCatalog is an in-process RemoteCatalog. It enforces unique names the
// way a real catalog does and records every call, which makes it suitable
// for dry runs and tests.
type MemoryCatalog struct {
	mu       sync.Mutex
	name     string
	packages map[string]syndicate.Payload // by id
	groups   map[syndicate.GroupKind]map[string]syndicate.Payload
	users    map[string]syndicate.Payload
	current  string // user id that owns created records
	failures map[string][]error
	calls    []string
	seq      int
}

var _ syndicate.RemoteCatalog = (*MemoryCatalog)(nil)

// NewMemoryCatalog creates an empty catalog whose API user is "site-user".
func NewMemoryCatalog(name string) *MemoryCatalog {
	m := &MemoryCatalog{
		name:     name,
		packages: make(map[string]syndicate.Payload),
		groups: map[syndicate.GroupKind]map[string]syndicate.Payload{
			syndicate.KindOrganization: {},
			syndicate.KindGroup:        {},
		},
		users:    make(map[string]syndicate.Payload),
		failures: make(map[string][]error),
	}
	m.AddUser("site-user", "site_user")
	m.current = "site-user"
	return m
}

// Name returns the name given at construction.
func (m *MemoryCatalog) Name() string { return m.name }

// AddUser registers a user account.
func (m *MemoryCatalog) AddUser(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = syndicate.Payload{"id": id, "name": name}
}

// ActAs makes subsequently created records owned by the given user id.
func (m *MemoryCatalog) ActAs(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = userID
}

// FailNext makes the next call to action return err instead of running.
// Several failures for one action are returned in order.
func (m *MemoryCatalog) FailNext(action string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[action] = append(m.failures[action], err)
}

// Calls returns the actions invoked so far, in order.
func (m *MemoryCatalog) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Package returns a stored package by id or name.
func (m *MemoryCatalog) Package(idOrName string) (syndicate.Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findPackage(idOrName)
	if p == nil {
		return nil, false
	}
	return p.Clone(), true
}

// Packages returns the number of stored packages.
func (m *MemoryCatalog) Packages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packages)
}

// Group returns a stored group or organization by id or name.
func (m *MemoryCatalog) Group(kind syndicate.GroupKind, idOrName string) (syndicate.Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.findGroup(kind, idOrName)
	if g == nil {
		return nil, false
	}
	return g.Clone(), true
}

// =============================================================================
// RemoteCatalog
// =============================================================================

func (m *MemoryCatalog) PackageShow(ctx context.Context, idOrName string) (syndicate.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "package_show"); err != nil {
		return nil, err
	}

	p := m.findPackage(idOrName)
	if p == nil {
		return nil, &syndicate.RemoteNotFoundError{Action: "package_show", Message: idOrName}
	}
	return p.Clone(), nil
}

func (m *MemoryCatalog) PackageCreate(ctx context.Context, data syndicate.Payload) (syndicate.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	const action = "package_create"
	if err := m.begin(ctx, action); err != nil {
		return nil, err
	}

	name := data.String("name")
	if err := m.checkName(action, name, "", m.findPackage); err != nil {
		return nil, err
	}

	stored := data.Clone()
	m.seq++
	stored["id"] = fmt.Sprintf("%s-pkg-%d", m.name, m.seq)
	stored["creator_user_id"] = m.current
	m.packages[stored.String("id")] = stored
	return stored.Clone(), nil
}

func (m *MemoryCatalog) PackageUpdate(ctx context.Context, data syndicate.Payload) (syndicate.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	const action = "package_update"
	if err := m.begin(ctx, action); err != nil {
		return nil, err
	}

	key := data.String("id")
	if key == "" {
		key = data.String("name")
	}
	existing := m.findPackage(key)
	if existing == nil {
		return nil, &syndicate.RemoteNotFoundError{Action: action, Message: key}
	}

	id := existing.String("id")
	name := data.String("name")
	if name == "" {
		name = existing.String("name")
	}
	if err := m.checkName(action, name, id, m.findPackage); err != nil {
		return nil, err
	}

	stored := data.Clone()
	stored["id"] = id
	stored["name"] = name
	stored["creator_user_id"] = existing["creator_user_id"]
	m.packages[id] = stored
	return stored.Clone(), nil
}

func (m *MemoryCatalog) GroupShow(ctx context.Context, kind syndicate.GroupKind, idOrName string) (syndicate.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action := string(kind) + "_show"
	if err := m.begin(ctx, action); err != nil {
		return nil, err
	}

	g := m.findGroup(kind, idOrName)
	if g == nil {
		return nil, &syndicate.RemoteNotFoundError{Action: action, Message: idOrName}
	}
	return g.Clone(), nil
}

func (m *MemoryCatalog) GroupCreate(ctx context.Context, kind syndicate.GroupKind, data syndicate.Payload) (syndicate.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action := string(kind) + "_create"
	if err := m.begin(ctx, action); err != nil {
		return nil, err
	}

	find := func(key string) syndicate.Payload { return m.findGroup(kind, key) }
	if err := m.checkName(action, data.String("name"), "", find); err != nil {
		return nil, err
	}

	stored := storeImage(data.Clone())
	m.seq++
	stored["id"] = fmt.Sprintf("%s-%s-%d", m.name, kind, m.seq)
	stored["is_organization"] = kind == syndicate.KindOrganization
	m.groups[kind][stored.String("id")] = stored
	return stored.Clone(), nil
}

func (m *MemoryCatalog) GroupUpdate(ctx context.Context, kind syndicate.GroupKind, data syndicate.Payload) (syndicate.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action := string(kind) + "_update"
	if err := m.begin(ctx, action); err != nil {
		return nil, err
	}

	key := data.String("id")
	if key == "" {
		key = data.String("name")
	}
	existing := m.findGroup(kind, key)
	if existing == nil {
		return nil, &syndicate.RemoteNotFoundError{Action: action, Message: key}
	}

	id := existing.String("id")
	find := func(key string) syndicate.Payload { return m.findGroup(kind, key) }
	if err := m.checkName(action, data.String("name"), id, find); err != nil {
		return nil, err
	}

	stored := storeImage(data.Clone())
	stored["id"] = id
	stored["is_organization"] = kind == syndicate.KindOrganization
	m.groups[kind][id] = stored
	return stored.Clone(), nil
}

func (m *MemoryCatalog) UserShow(ctx context.Context, idOrName string) (syndicate.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "user_show"); err != nil {
		return nil, err
	}

	if u, ok := m.users[idOrName]; ok {
		return u.Clone(), nil
	}
	for _, u := range m.users {
		if u.String("name") == idOrName {
			return u.Clone(), nil
		}
	}
	return nil, &syndicate.RemoteNotFoundError{Action: "user_show", Message: idOrName}
}

// =============================================================================
// helpers; callers hold m.mu
// =============================================================================

func (m *MemoryCatalog) begin(ctx context.Context, action string) error {
	m.calls = append(m.calls, action)
	if err := ctx.Err(); err != nil {
		return &syndicate.RemoteError{Action: action, Err: err}
	}
	if queued := m.failures[action]; len(queued) > 0 {
		m.failures[action] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *MemoryCatalog) checkName(action, name, selfID string, find func(string) syndicate.Payload) error {
	if name == "" {
		return &syndicate.ValidationError{Action: action, Fields: map[string][]string{"name": {"Missing value"}}}
	}
	if other := find(name); other != nil && other.String("id") != selfID {
		return &syndicate.ValidationError{Action: action, Fields: map[string][]string{"name": {syndicate.NameInUseMessage}}}
	}
	return nil
}

func (m *MemoryCatalog) findPackage(idOrName string) syndicate.Payload {
	if p, ok := m.packages[idOrName]; ok {
		return p
	}
	for _, p := range m.packages {
		if p.String("name") == idOrName {
			return p
		}
	}
	return nil
}

func (m *MemoryCatalog) findGroup(kind syndicate.GroupKind, idOrName string) syndicate.Payload {
	groups := m.groups[kind]
	if g, ok := groups[idOrName]; ok {
		return g
	}
	for _, g := range groups {
		if g.String("name") == idOrName {
			return g
		}
	}
	return nil
}

// storeImage replaces an uploaded image with the URL the catalog would serve it from.
func storeImage(data syndicate.Payload) syndicate.Payload {
	if v, ok := data.Pop("image_upload"); ok {
		if up, ok := v.(*syndicate.Upload); ok && up != nil {
			data["image_url"] = "uploads/group/" + up.Filename
		}
	}
	return data
}
