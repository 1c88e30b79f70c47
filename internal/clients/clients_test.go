package clients

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordedRequest is one request the fake API received. JSON bodies are
// decoded into Body, form-encoded bodies into Form.
type recordedRequest struct {
	Method string
	Path   string // includes the query string
	User   string // basic auth
	Token  string
	Body   map[string]any
	Form   url.Values
}

// fakeAPI is a recording HTTP server the client tests point their base URL
// at. Handlers registered per method and path only write responses; request
// bodies are asserted through the recorded requests. Unregistered paths
// return 404.
type fakeAPI struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]http.HandlerFunc
}

func newFakeAPI(t *testing.T) *fakeAPI {
	return &fakeAPI{t: t, handlers: make(map[string]http.HandlerFunc)}
}

func (f *fakeAPI) handle(method, path string, h http.HandlerFunc) {
	f.handlers[method+" "+path] = h
}

func (f *fakeAPI) respond(method, path string, v any) {
	f.handle(method, path, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, v)
	})
}

func (f *fakeAPI) start() *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.RequestURI()}
		rec.User, rec.Token, _ = r.BasicAuth()

		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			if strings.Contains(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
				rec.Form, _ = url.ParseQuery(string(raw))
			} else {
				json.Unmarshal(raw, &rec.Body)
			}
		}

		f.mu.Lock()
		f.requests = append(f.requests, rec)
		f.mu.Unlock()

		if h, ok := f.handlers[r.Method+" "+r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	f.t.Cleanup(srv.Close)
	return srv
}

// sent returns the recorded requests matching method and path prefix.
func (f *fakeAPI) sent(method, pathPrefix string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, req := range f.requests {
		if req.Method == method && strings.HasPrefix(req.Path, pathPrefix) {
			out = append(out, req)
		}
	}
	return out
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// dig walks nested JSON objects and returns the value at the key path.
func dig(t *testing.T, m map[string]any, keys ...string) any {
	t.Helper()
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		require.True(t, ok, "expected object at %q", k)
		cur = obj[k]
	}
	return cur
}
