// Package remote talks to remote catalogs through the action API:
// every call is POST {url}/api/3/action/{action} with a JSON or multipart
// body, answered by {"success": bool, "result": ..., "error": {...}}.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"syndicate-go/internal/syndicate"
)

// DefaultUserAgent is sent when a profile does not set one.
const DefaultUserAgent = "syndicate-go/1"

// maxErrorBody bounds how much of an unparseable response ends up in an error.
const maxErrorBody = 512

// ClientConfig holds connection settings for one remote catalog.
type ClientConfig struct {
	URL       string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	RateLimit float64 // calls per second; 0 disables throttling
	Burst     int

	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client is a RemoteCatalog backed by the action API.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ syndicate.RemoteCatalog = (*Client)(nil)

// NewClient creates a new action API client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		userAgent:  userAgent,
		httpClient: httpClient,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// =============================================================================
// Actions
// =============================================================================

func (c *Client) PackageShow(ctx context.Context, idOrName string) (syndicate.Payload, error) {
	return c.Call(ctx, "package_show", syndicate.Payload{"id": idOrName})
}

func (c *Client) PackageCreate(ctx context.Context, data syndicate.Payload) (syndicate.Payload, error) {
	return c.Call(ctx, "package_create", data)
}

func (c *Client) PackageUpdate(ctx context.Context, data syndicate.Payload) (syndicate.Payload, error) {
	return c.Call(ctx, "package_update", data)
}

func (c *Client) GroupShow(ctx context.Context, kind syndicate.GroupKind, idOrName string) (syndicate.Payload, error) {
	return c.Call(ctx, string(kind)+"_show", syndicate.Payload{"id": idOrName})
}

func (c *Client) GroupCreate(ctx context.Context, kind syndicate.GroupKind, data syndicate.Payload) (syndicate.Payload, error) {
	return c.Call(ctx, string(kind)+"_create", data)
}

func (c *Client) GroupUpdate(ctx context.Context, kind syndicate.GroupKind, data syndicate.Payload) (syndicate.Payload, error) {
	return c.Call(ctx, string(kind)+"_update", data)
}

func (c *Client) UserShow(ctx context.Context, idOrName string) (syndicate.Payload, error) {
	return c.Call(ctx, "user_show", syndicate.Payload{"id": idOrName})
}

// Call invokes an arbitrary action and returns its result object.
func (c *Client) Call(ctx context.Context, action string, data syndicate.Payload) (syndicate.Payload, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &syndicate.RemoteError{Action: action, Err: err}
		}
	}

	body, contentType, err := encodeBody(data)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/3/action/"+action, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", action, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &syndicate.RemoteError{Action: action, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &syndicate.RemoteError{Action: action, StatusCode: resp.StatusCode, Err: err}
	}
	return decodeResponse(action, resp.StatusCode, respBody)
}

// =============================================================================
// Encoding
// =============================================================================

// encodeBody renders data as JSON, or as multipart form data when any value
// is an *Upload.
func encodeBody(data syndicate.Payload) (io.Reader, string, error) {
	if !hasUpload(data) {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(b), "application/json", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := data[k].(type) {
		case *syndicate.Upload:
			part, err := w.CreatePart(uploadHeader(k, v))
			if err != nil {
				return nil, "", err
			}
			if _, err := part.Write(v.Data); err != nil {
				return nil, "", err
			}
		case nil:
			continue
		case string:
			if err := w.WriteField(k, v); err != nil {
				return nil, "", err
			}
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, "", err
			}
			if err := w.WriteField(k, string(b)); err != nil {
				return nil, "", err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// uploadHeader describes the file part for an upload.
func uploadHeader(field string, u *syndicate.Upload) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     field,
		"filename": u.Filename,
	}))
	contentType := u.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	return h
}

func hasUpload(data syndicate.Payload) bool {
	for _, v := range data {
		if _, ok := v.(*syndicate.Upload); ok {
			return true
		}
	}
	return false
}

// decodeResponse maps an action API response to a result or a typed error.
func decodeResponse(action string, status int, body []byte) (syndicate.Payload, error) {
	if !gjson.ValidBytes(body) {
		switch status {
		case http.StatusNotFound:
			return nil, &syndicate.RemoteNotFoundError{Action: action}
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, &syndicate.AuthorizationError{Action: action, Message: http.StatusText(status)}
		}
		return nil, &syndicate.RemoteError{Action: action, StatusCode: status, Message: truncate(string(body))}
	}

	parsed := gjson.ParseBytes(body)
	if parsed.Get("success").Bool() {
		result := parsed.Get("result")
		if !result.IsObject() {
			return syndicate.Payload{"result": result.Value()}, nil
		}
		var out syndicate.Payload
		if err := json.Unmarshal([]byte(result.Raw), &out); err != nil {
			return nil, &syndicate.RemoteError{Action: action, StatusCode: status, Message: "malformed result", Err: err}
		}
		return out, nil
	}

	apiErr := parsed.Get("error")
	message := apiErr.Get("message").String()
	switch apiErr.Get("__type").String() {
	case "Not Found Error":
		return nil, &syndicate.RemoteNotFoundError{Action: action, Message: message}
	case "Authorization Error":
		return nil, &syndicate.AuthorizationError{Action: action, Message: message}
	case "Validation Error":
		return nil, &syndicate.ValidationError{Action: action, Fields: validationFields(apiErr)}
	}

	if message == "" {
		message = truncate(apiErr.Raw)
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return nil, &syndicate.RemoteError{Action: action, StatusCode: status, Message: message}
}

// validationFields flattens {"field": ["msg", ...]} maps. Nested objects,
// as reported for resources, are flattened with dotted keys.
func validationFields(apiErr gjson.Result) map[string][]string {
	fields := make(map[string][]string)
	var walk func(prefix string, v gjson.Result)
	walk = func(prefix string, v gjson.Result) {
		switch {
		case v.IsArray():
			for _, item := range v.Array() {
				if item.IsObject() || item.IsArray() {
					walk(prefix, item)
					continue
				}
				fields[prefix] = append(fields[prefix], item.String())
			}
		case v.IsObject():
			v.ForEach(func(key, value gjson.Result) bool {
				walk(prefix+"."+key.String(), value)
				return true
			})
		default:
			fields[prefix] = append(fields[prefix], v.String())
		}
	}

	apiErr.ForEach(func(key, value gjson.Result) bool {
		if key.String() != "__type" {
			walk(key.String(), value)
		}
		return true
	})
	return fields
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
