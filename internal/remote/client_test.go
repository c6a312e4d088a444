package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syndicate-go/internal/syndicate"
)

type recordedRequest struct {
	Path        string
	Auth        string
	UserAgent   string
	ContentType string
	Body        []byte
}

type requestLog struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (l *requestLog) all() []recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedRequest(nil), l.reqs...)
}

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, *requestLog) {
	t.Helper()
	log := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		log.mu.Lock()
		defer log.mu.Unlock()
		log.reqs = append(log.reqs, recordedRequest{
			Path:        r.URL.Path,
			Auth:        r.Header.Get("Authorization"),
			UserAgent:   r.Header.Get("User-Agent"),
			ContentType: r.Header.Get("Content-Type"),
			Body:        body,
		})
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

func TestClient_PackageShow(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusOK,
		`{"success": true, "result": {"id": "abc", "name": "air", "num_resources": 2}}`)

	c := NewClient(ClientConfig{URL: srv.URL + "/", APIKey: "secret", UserAgent: "test-agent"})
	got, err := c.PackageShow(context.Background(), "air")
	require.NoError(t, err)

	assert.Equal(t, "abc", got.String("id"))
	assert.Equal(t, float64(2), got["num_resources"])

	all := reqs.all()
	require.Len(t, all, 1)
	req := all[0]
	assert.Equal(t, "/api/3/action/package_show", req.Path)
	assert.Equal(t, "secret", req.Auth)
	assert.Equal(t, "test-agent", req.UserAgent)
	assert.Equal(t, "application/json", req.ContentType)
	assert.JSONEq(t, `{"id": "air"}`, string(req.Body))
}

func TestClient_DefaultsAndActions(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusOK, `{"success": true, "result": {"id": "x"}}`)
	c := NewClient(ClientConfig{URL: srv.URL})
	ctx := context.Background()

	_, err := c.GroupShow(ctx, syndicate.KindOrganization, "city")
	require.NoError(t, err)
	_, err = c.GroupCreate(ctx, syndicate.KindGroup, syndicate.Payload{"name": "rivers"})
	require.NoError(t, err)
	_, err = c.UserShow(ctx, "alice")
	require.NoError(t, err)

	var paths []string
	for _, r := range reqs.all() {
		paths = append(paths, r.Path)
		assert.Equal(t, DefaultUserAgent, r.UserAgent)
		assert.Empty(t, r.Auth)
	}
	assert.Equal(t, []string{
		"/api/3/action/organization_show",
		"/api/3/action/group_create",
		"/api/3/action/user_show",
	}, paths)
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
		check    func(t *testing.T, err error)
	}{
		{
			name:     "not found",
			status:   http.StatusNotFound,
			response: `{"success": false, "error": {"__type": "Not Found Error", "message": "Not found"}}`,
			check: func(t *testing.T, err error) {
				assert.True(t, syndicate.IsRemoteNotFound(err))
			},
		},
		{
			name:     "validation",
			status:   http.StatusConflict,
			response: `{"success": false, "error": {"__type": "Validation Error", "name": ["That URL is already in use."], "resources": [{}, {"url": ["Missing value"]}]}}`,
			check: func(t *testing.T, err error) {
				var verr *syndicate.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.True(t, verr.HasMessage("name", syndicate.NameInUseMessage))
				assert.Equal(t, []string{"Missing value"}, verr.Fields["resources.url"])
				assert.Equal(t, "package_create", verr.Action)
			},
		},
		{
			name:     "authorization",
			status:   http.StatusForbidden,
			response: `{"success": false, "error": {"__type": "Authorization Error", "message": "Access denied"}}`,
			check: func(t *testing.T, err error) {
				var aerr *syndicate.AuthorizationError
				require.ErrorAs(t, err, &aerr)
				assert.Equal(t, "Access denied", aerr.Message)
			},
		},
		{
			name:     "other api error",
			status:   http.StatusInternalServerError,
			response: `{"success": false, "error": {"__type": "Internal Error", "message": "boom"}}`,
			check: func(t *testing.T, err error) {
				var rerr *syndicate.RemoteError
				require.ErrorAs(t, err, &rerr)
				assert.Equal(t, http.StatusInternalServerError, rerr.StatusCode)
				assert.Equal(t, "boom", rerr.Message)
			},
		},
		{
			name:     "html not found page",
			status:   http.StatusNotFound,
			response: `<html>Not Found</html>`,
			check: func(t *testing.T, err error) {
				assert.True(t, syndicate.IsRemoteNotFound(err))
			},
		},
		{
			name:     "html gateway error",
			status:   http.StatusBadGateway,
			response: `<html>Bad Gateway</html>`,
			check: func(t *testing.T, err error) {
				var rerr *syndicate.RemoteError
				require.ErrorAs(t, err, &rerr)
				assert.Equal(t, http.StatusBadGateway, rerr.StatusCode)
				assert.Contains(t, rerr.Message, "Bad Gateway")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.status, tt.response)
			c := NewClient(ClientConfig{URL: srv.URL})

			_, err := c.PackageCreate(context.Background(), syndicate.Payload{"name": "air"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{URL: url, Timeout: time.Second})
	_, err := c.PackageShow(context.Background(), "air")

	var rerr *syndicate.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.NotNil(t, rerr.Err)
}

func TestClient_MultipartUpload(t *testing.T) {
	var gotName, gotTitle, gotFile, gotFilename, gotContentType, gotExtras string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotName = r.FormValue("name")
		gotTitle = r.FormValue("title")
		gotExtras = r.FormValue("extras")
		f, hdr, err := r.FormFile("image_upload")
		if err == nil {
			b, _ := io.ReadAll(f)
			gotFile = string(b)
			gotFilename = hdr.Filename
			gotContentType = hdr.Header.Get("Content-Type")
		}
		_, _ = io.WriteString(w, `{"success": true, "result": {"id": "org-1"}}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{URL: srv.URL})
	_, err := c.GroupCreate(context.Background(), syndicate.KindOrganization, syndicate.Payload{
		"name":         "city",
		"title":        "City",
		"extras":       []any{map[string]any{"key": "k", "value": "v"}},
		"image_url":    nil,
		"image_upload": &syndicate.Upload{Filename: "logo.png", ContentType: "image/png", Data: []byte("PNGDATA")},
	})
	require.NoError(t, err)

	assert.Equal(t, "city", gotName)
	assert.Equal(t, "City", gotTitle)
	assert.Equal(t, "PNGDATA", gotFile)
	assert.Equal(t, "logo.png", gotFilename)
	assert.Equal(t, "image/png", gotContentType)

	var extras []map[string]string
	require.NoError(t, json.Unmarshal([]byte(gotExtras), &extras))
	assert.Equal(t, "k", extras[0]["key"])
}

func TestClient_RateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"success": true, "result": {}}`)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{URL: srv.URL, RateLimit: 0.001, Burst: 1})

	_, err := c.UserShow(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.UserShow(ctx, "b")

	var rerr *syndicate.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_NonObjectResult(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"success": true, "result": ["a", "b"]}`)
	c := NewClient(ClientConfig{URL: srv.URL})

	got, err := c.Call(context.Background(), "package_list", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got["result"])
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", maxErrorBody+10)
	assert.Len(t, truncate(long), maxErrorBody+3)
	assert.Equal(t, "short", truncate("short"))
}
