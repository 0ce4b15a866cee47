// Package hosting is a small client for a GitHub-compatible repository
// hosting REST API.
package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrNotFound is returned when the API answers 404
var ErrNotFound = errors.New("repository not found")

// Repository mirrors the fields of the hosting API repository object we use
type Repository struct {
	Name      string    `json:"name"`
	FullName  string    `json:"full_name"`
	HTMLURL   string    `json:"html_url"`
	CloneURL  string    `json:"clone_url"`
	Private   bool      `json:"private"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Handle returns the URL used to identify the repository
func (r *Repository) Handle() string {
	if r.HTMLURL != "" {
		return r.HTMLURL
	}
	return r.CloneURL
}

// APIError carries a non-2xx response
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hosting API %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to the hosting API. Requests are paced by a token bucket.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a client for baseURL authenticated with token
func NewClient(baseURL, token string, requestsPerSecond float64, logger *slog.Logger) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:     logger,
	}
}

// GetRepository fetches owner/name. Returns ErrNotFound on 404.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	path := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(name))

	var repo Repository
	if err := c.do(ctx, http.MethodGet, path, nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// maxListPages bounds how many pages ListRepositories follows
const maxListPages = 20

// ListRepositories lists repositories of an organization, or of the
// authenticated user when org is empty, most recently updated first. Pages
// are followed through the Link header, up to maxListPages of 100 each.
func (c *Client) ListRepositories(ctx context.Context, org string) ([]Repository, error) {
	path := "/user/repos?sort=updated&direction=desc&per_page=100&affiliation=owner"
	if org != "" {
		path = fmt.Sprintf("/orgs/%s/repos?sort=updated&direction=desc&per_page=100", url.PathEscape(org))
	}

	var all []Repository
	target := c.baseURL + path
	for page := 0; target != "" && page < maxListPages; page++ {
		var repos []Repository
		header, err := c.send(ctx, http.MethodGet, target, nil, &repos)
		if err != nil {
			return nil, err
		}
		all = append(all, repos...)
		target = nextLink(header.Get("Link"))
	}
	if target != "" {
		c.logger.Warn("repository listing truncated", "pages", maxListPages, "repositories", len(all))
	}
	return all, nil
}

// nextLink extracts the rel="next" URL from a Link header
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(part, ";")
		if len(fields) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(fields[0]), "<>")
		for _, param := range fields[1:] {
			if strings.TrimSpace(param) == `rel="next"` {
				return target
			}
		}
	}
	return ""
}

type createRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Private     bool   `json:"private"`
	AutoInit    bool   `json:"auto_init"`
}

// CreateRepository creates a repository under org, or under the
// authenticated user when org is empty
func (c *Client) CreateRepository(ctx context.Context, org, name, description string, private bool) (*Repository, error) {
	path := "/user/repos"
	if org != "" {
		path = fmt.Sprintf("/orgs/%s/repos", url.PathEscape(org))
	}

	req := createRequest{
		Name:        name,
		Description: description,
		Private:     private,
		AutoInit:    true,
	}

	var repo Repository
	if err := c.do(ctx, http.MethodPost, path, req, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

type userResponse struct {
	Login string `json:"login"`
}

// CurrentUser returns the login of the authenticated user
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	var user userResponse
	if err := c.do(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		return "", err
	}
	if user.Login == "" {
		return "", errors.New("hosting API returned an empty login")
	}
	return user.Login, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	_, err := c.send(ctx, method, c.baseURL+path, payload, out)
	return err
}

// send performs one request against target and decodes the response into out
func (c *Client) send(ctx context.Context, method, target string, payload, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	path := req.URL.RequestURI()
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("hosting request", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	if out == nil || len(respBody) == 0 {
		return resp.Header, nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return resp.Header, nil
}
