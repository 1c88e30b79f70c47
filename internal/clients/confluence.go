package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
)

// statePropertyKey is the content property that carries a page's review
// state ("In Review", "Approved", ...). Pages without it are not part of
// the design review workflow.
const statePropertyKey = "content-state"

// Page is the slice of a document-store page the orchestrator cares about.
type Page struct {
	ID      string
	Title   string
	Version int
	URL     string
}

// PageComment is a comment left on a page, footer or inline.
type PageComment struct {
	Body      string
	Author    string
	CreatedAt time.Time
}

// ConfluenceClient talks to a Confluence Cloud instance over its REST API.
type ConfluenceClient struct {
	baseURL    string
	email      string
	token      string
	space      string
	parentID   string // optional page all design docs live under
	httpClient *http.Client
}

// ConfluenceOption configures the client.
type ConfluenceOption func(*ConfluenceClient)

// WithParentPage scopes page listing and creation under a parent page.
func WithParentPage(id string) ConfluenceOption {
	return func(c *ConfluenceClient) {
		c.parentID = id
	}
}

// WithConfluenceHTTPClient sets a custom HTTP client.
func WithConfluenceHTTPClient(client *http.Client) ConfluenceOption {
	return func(c *ConfluenceClient) {
		c.httpClient = client
	}
}

// NewConfluenceClient creates a document-store client authenticated with an
// API token.
func NewConfluenceClient(baseURL, email, token, space string, opts ...ConfluenceOption) *ConfluenceClient {
	c := &ConfluenceClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		email:      email,
		token:      token,
		space:      space,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// storage format wants XHTML, so self-close the void elements.
var pageMarkdown = goldmark.New(goldmark.WithRendererOptions(html.WithXHTML()))

// MarkdownToStorage converts a markdown document to the XHTML storage
// representation page bodies are written in.
func MarkdownToStorage(md string) (string, error) {
	var buf bytes.Buffer
	if err := pageMarkdown.Convert([]byte(md), &buf); err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return buf.String(), nil
}

type pageResult struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version struct {
		Number int `json:"number"`
	} `json:"version"`
	Links struct {
		Base  string `json:"base"`
		WebUI string `json:"webui"`
	} `json:"_links"`
}

// page resolves the result into a Page with a browsable URL. Results carry
// a webui link relative to the site base, which not every endpoint includes.
func (c *ConfluenceClient) page(r pageResult) Page {
	p := Page{ID: r.ID, Title: r.Title, Version: r.Version.Number}
	if r.Links.WebUI != "" {
		base := r.Links.Base
		if base == "" {
			base = c.baseURL
		}
		p.URL = base + r.Links.WebUI
	}
	return p
}

// CreatePage publishes a markdown document as a new page and returns it. If
// a page with the same title already exists it is returned untouched, so
// replays never produce duplicates.
func (c *ConfluenceClient) CreatePage(ctx context.Context, title, markdown string) (*Page, error) {
	if existing, err := c.FindPage(ctx, title); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	storage, err := MarkdownToStorage(markdown)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"type":  "page",
		"title": title,
		"space": map[string]any{"key": c.space},
		"body": map[string]any{
			"storage": map[string]any{"value": storage, "representation": "storage"},
		},
	}
	if c.parentID != "" {
		body["ancestors"] = []any{map[string]any{"id": c.parentID}}
	}

	var out pageResult
	if _, err := c.do(ctx, http.MethodPost, "/rest/api/content", body, &out); err != nil {
		return nil, errors.Wrapf(err, "create page %q", title)
	}
	page := c.page(out)
	return &page, nil
}

// UpdatePage replaces a page's title and body. version is the new version
// number, which must be exactly one above the current one.
func (c *ConfluenceClient) UpdatePage(ctx context.Context, pageID, title, markdown string, version int) error {
	storage, err := MarkdownToStorage(markdown)
	if err != nil {
		return err
	}
	body := map[string]any{
		"id":      pageID,
		"type":    "page",
		"title":   title,
		"version": map[string]any{"number": version},
		"body": map[string]any{
			"storage": map[string]any{"value": storage, "representation": "storage"},
		},
	}
	if _, err := c.do(ctx, http.MethodPut, "/rest/api/content/"+pageID, body, nil); err != nil {
		return errors.Wrapf(err, "update page %s", pageID)
	}
	return nil
}

// FindPage looks a page up by exact title within the configured space.
// Returns nil when no such page exists.
func (c *ConfluenceClient) FindPage(ctx context.Context, title string) (*Page, error) {
	path := "/rest/api/content?type=page&spaceKey=" + url.QueryEscape(c.space) +
		"&title=" + url.QueryEscape(title) + "&expand=version&limit=1"
	var out struct {
		Results []pageResult `json:"results"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, errors.Wrapf(err, "find page %q", title)
	}
	if len(out.Results) == 0 {
		return nil, nil
	}
	page := c.page(out.Results[0])
	return &page, nil
}

// GetContentState reads a page's review state. Pages that never had a state
// set return the empty string.
func (c *ConfluenceClient) GetContentState(ctx context.Context, pageID string) (string, error) {
	value, _, err := c.contentState(ctx, pageID)
	return value, err
}

func (c *ConfluenceClient) contentState(ctx context.Context, pageID string) (string, int, error) {
	var out struct {
		Value   string `json:"value"`
		Version struct {
			Number int `json:"number"`
		} `json:"version"`
	}
	status, err := c.do(ctx, http.MethodGet, "/rest/api/content/"+pageID+"/property/"+statePropertyKey, nil, &out)
	if status == http.StatusNotFound {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, errors.Wrapf(err, "get content state of %s", pageID)
	}
	return out.Value, out.Version.Number, nil
}

// SetContentState writes a page's review state, updating the property in
// place when it exists and creating it when it does not.
func (c *ConfluenceClient) SetContentState(ctx context.Context, pageID, state string) error {
	_, version, err := c.contentState(ctx, pageID)
	if err != nil {
		return err
	}

	update := map[string]any{
		"key":     statePropertyKey,
		"value":   state,
		"version": map[string]any{"number": version + 1},
	}
	status, err := c.do(ctx, http.MethodPut, "/rest/api/content/"+pageID+"/property/"+statePropertyKey, update, nil)
	if status == http.StatusNotFound {
		create := map[string]any{"key": statePropertyKey, "value": state}
		if _, err := c.do(ctx, http.MethodPost, "/rest/api/content/"+pageID+"/property", create, nil); err != nil {
			return errors.Wrapf(err, "create content state on %s", pageID)
		}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "set content state on %s", pageID)
	}
	return nil
}

// PagesInReview lists the pages participating in the review workflow: those
// carrying a content state, whatever its current value. Scoped to the
// configured parent page when one is set, otherwise to the whole space.
func (c *ConfluenceClient) PagesInReview(ctx context.Context) ([]Page, error) {
	var path string
	if c.parentID != "" {
		path = "/rest/api/content/" + c.parentID + "/child/page?expand=version&limit=100"
	} else {
		path = "/rest/api/content?type=page&spaceKey=" + url.QueryEscape(c.space) + "&expand=version&limit=100"
	}
	var out struct {
		Results []pageResult `json:"results"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, errors.Wrap(err, "list pages")
	}

	var pages []Page
	for _, r := range out.Results {
		state, _, err := c.contentState(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if state != "" {
			pages = append(pages, c.page(r))
		}
	}
	return pages, nil
}

type commentResult struct {
	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	History struct {
		CreatedDate string `json:"createdDate"`
		CreatedBy   struct {
			DisplayName string `json:"displayName"`
			PublicName  string `json:"publicName"`
		} `json:"createdBy"`
	} `json:"history"`
}

// NewComments returns the footer and inline comments on a page created
// strictly after since, oldest first.
func (c *ConfluenceClient) NewComments(ctx context.Context, pageID string, since time.Time) ([]PageComment, error) {
	var merged []PageComment
	for _, location := range []string{"footer", "inline"} {
		path := "/rest/api/content/" + pageID + "/child/comment?location=" + location +
			"&expand=body.storage,history&limit=100"
		var out struct {
			Results []commentResult `json:"results"`
		}
		if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, errors.Wrapf(err, "list %s comments of %s", location, pageID)
		}
		for _, r := range out.Results {
			created, err := time.Parse(time.RFC3339, r.History.CreatedDate)
			if err != nil {
				continue
			}
			if !created.After(since) {
				continue
			}
			author := r.History.CreatedBy.DisplayName
			if author == "" {
				author = r.History.CreatedBy.PublicName
			}
			if author == "" {
				author = "someone"
			}
			merged = append(merged, PageComment{
				Body:      stripTags(r.Body.Storage.Value),
				Author:    author,
				CreatedAt: created,
			})
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].CreatedAt.Before(merged[j].CreatedAt) })
	return merged, nil
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// stripTags flattens storage-format XHTML to plain text for agent prompts.
func stripTags(s string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(s, ""))
}

// do issues a request and decodes a 2xx JSON response into out. The status
// code is returned even on error so callers can branch on not-found.
func (c *ConfluenceClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "marshal request")
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, errors.Wrap(err, "create request")
	}
	req.SetBasicAuth(c.email, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, errors.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decode response")
		}
	}
	return resp.StatusCode, nil
}
