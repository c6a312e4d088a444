package syndicate_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"syndicate-go/internal/database"
	"syndicate-go/internal/model"
	"syndicate-go/internal/profile"
	"syndicate-go/internal/remote"
	"syndicate-go/internal/syndicate"
	"syndicate-go/internal/testutil"
)

type fixture struct {
	db      *database.SQLiteDatabase
	remote  *remote.MemoryCatalog
	profile *syndicate.Profile
	service *syndicate.Service
}

// newFixture wires a service over an in-memory catalog and a single
// in-memory remote. configure may adjust the profile and service options.
func newFixture(t *testing.T, configure func(p *syndicate.Profile, o *syndicate.Options)) *fixture {
	t.Helper()

	f := &fixture{
		db:     testutil.NewTestDatabase(t),
		remote: remote.NewMemoryCatalog("remote"),
	}

	p := syndicate.NewProfile("portal")
	p.RemoteURL = "https://portal.example"
	p.Organization = "remote-org"
	p.NamePrefix = "test"
	p.UploadOrganizationImage = false

	opts := syndicate.Options{
		History: f.db,
		Clock:   testutil.FixedClock(),
		IDGen:   testutil.NewPrefixedIDGenerator("attempt"),
	}
	if configure != nil {
		configure(p, &opts)
	}
	f.profile = p

	registry := profile.NewRegistry([]*syndicate.Profile{p}, syndicate.NewNopLogger())
	dialer := syndicate.DialerFunc(func(*syndicate.Profile) (syndicate.RemoteCatalog, error) {
		return f.remote, nil
	})
	f.service = syndicate.NewService(f.db, registry, dialer, opts)
	return f
}

// addDataset stores a dataset flagged for syndication.
func (f *fixture) addDataset(t *testing.T, name string, extras map[string]string) *model.Dataset {
	t.Helper()

	all := map[string]string{"syndicate": "true"}
	for k, v := range extras {
		all[k] = v
	}
	d := &model.Dataset{
		Name:      name,
		Title:     "Title of " + name,
		Extras:    all,
		Tags:      []string{"environment"},
		Resources: []model.Resource{{URL: "https://local.example/" + name + ".csv", Name: "data", Format: "CSV", Size: 10}},
	}
	_, err := f.db.SaveDataset(context.Background(), d)
	require.NoError(t, err)
	return d
}

// reload returns the stored dataset.
func (f *fixture) reload(t *testing.T, idOrName string) *model.Dataset {
	t.Helper()
	d, err := f.db.GetDataset(context.Background(), idOrName)
	require.NoError(t, err)
	return d
}

// linkage returns the stored remote id of a dataset.
func (f *fixture) linkage(t *testing.T, idOrName string) string {
	t.Helper()
	v, _ := f.reload(t, idOrName).Extra(f.profile.LinkageField)
	return v
}

func extraKeys(p syndicate.Payload) []string {
	list, _ := p["extras"].([]any)
	var keys []string
	for _, e := range list {
		if m, ok := e.(map[string]any); ok {
			keys = append(keys, m["key"].(string))
		}
	}
	return keys
}

type scheduled struct {
	DatasetID string
	Topic     syndicate.Topic
	ProfileID string
}

// recordingScheduler records every schedule call and fails for the
// profiles listed in failFor.
type recordingScheduler struct {
	mu      sync.Mutex
	calls   []scheduled
	failFor map[string]error
}

func (r *recordingScheduler) Schedule(_ context.Context, datasetID string, topic syndicate.Topic, p *syndicate.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failFor[p.ID]; err != nil {
		return err
	}
	r.calls = append(r.calls, scheduled{DatasetID: datasetID, Topic: topic, ProfileID: p.ID})
	return nil
}

func (r *recordingScheduler) Calls() []scheduled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduled(nil), r.calls...)
}

// recordingMetrics counts outcomes by label.
type recordingMetrics struct {
	mu        sync.Mutex
	reconcile map[string]int
	groups    map[string]int
	jobs      map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{reconcile: map[string]int{}, groups: map[string]int{}, jobs: map[string]int{}}
}

func (m *recordingMetrics) ObserveReconcile(profileID string, topic syndicate.Topic, outcome string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcile[profileID+"/"+topic.String()+"/"+outcome]++
}

func (m *recordingMetrics) ObserveGroupSync(profileID string, kind syndicate.GroupKind, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[profileID+"/"+string(kind)+"/"+outcome]++
}

func (m *recordingMetrics) ObserveJob(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[outcome]++
}

type stubImages struct {
	upload *syndicate.Upload
	err    error
	urls   []string
}

func (s *stubImages) Fetch(_ context.Context, url string) (*syndicate.Upload, error) {
	s.urls = append(s.urls, url)
	return s.upload, s.err
}
