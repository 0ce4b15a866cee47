// Package repo finds or creates the hosted repository dedicated to a task.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/featbit/vibeguild-sub001/internal/hosting"
	"github.com/featbit/vibeguild-sub001/internal/metrics"
)

const (
	namePrefix   = "task-"
	idSuffixLen  = 8
	maxSlugLen   = 60
	memoCapacity = 256
)

// Resolution sources, also used as metric labels
const (
	SourceMemo  = "memo"
	SourceExact = "exact"
	SourceReuse = "reuse"
	SourceOrg   = "org"
	SourceUser  = "user"
)

// Hosting is the subset of the hosting API the resolver needs
type Hosting interface {
	GetRepository(ctx context.Context, owner, name string) (*hosting.Repository, error)
	ListRepositories(ctx context.Context, org string) ([]hosting.Repository, error)
	CreateRepository(ctx context.Context, org, name, description string, private bool) (*hosting.Repository, error)
	CurrentUser(ctx context.Context) (string, error)
}

// ResolutionError reports which step of resolution failed. It is fatal for
// the task.
type ResolutionError struct {
	Stage string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("repository resolution failed at %s: %v", e.Stage, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Resolver maps tasks to repository handles
type Resolver struct {
	client  Hosting
	org     string
	private bool
	memo    *lru.Cache[string, string]
	metrics *metrics.Metrics
	logger  *slog.Logger

	login string
}

// NewResolver creates a resolver creating repositories under org (or the
// authenticated user when org is empty)
func NewResolver(client Hosting, org string, private bool, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	memo, err := lru.New[string, string](memoCapacity)
	if err != nil {
		// Only possible with a non-positive size
		panic(err)
	}
	return &Resolver{
		client:  client,
		org:     org,
		private: private,
		memo:    memo,
		metrics: m,
		logger:  logger,
	}
}

// Remember seeds the memo with a handle already persisted for taskID
func (r *Resolver) Remember(taskID, handle string) {
	if handle != "" {
		r.memo.Add(taskID, handle)
	}
}

// Resolve returns the handle for the task's repository, creating it when
// nothing reusable exists
func (r *Resolver) Resolve(ctx context.Context, taskID, title string) (string, error) {
	if handle, ok := r.memo.Get(taskID); ok {
		r.metrics.RepoResolved(SourceMemo)
		return handle, nil
	}

	name := Name(taskID, title)
	logger := r.logger.With("task_id", taskID, "repo", name)

	handle, source, err := r.resolve(ctx, name, title, taskID, logger)
	if err != nil {
		return "", err
	}

	r.memo.Add(taskID, handle)
	r.metrics.RepoResolved(source)
	logger.Info("repository resolved", "source", source, "url", handle)
	return handle, nil
}

func (r *Resolver) resolve(ctx context.Context, name, title, taskID string, logger *slog.Logger) (string, string, error) {
	owners, err := r.owners(ctx)
	if err != nil {
		return "", "", err
	}

	// 1. exact name
	for _, owner := range owners {
		found, err := r.client.GetRepository(ctx, owner, name)
		if err == nil {
			return found.Handle(), SourceExact, nil
		}
		if !errors.Is(err, hosting.ErrNotFound) {
			return "", "", &ResolutionError{Stage: "lookup", Err: err}
		}
	}

	// 2. most recent repository sharing the title prefix
	prefix := TitlePrefix(title)
	for _, scope := range r.scopes() {
		repos, err := r.client.ListRepositories(ctx, scope)
		if err != nil {
			return "", "", &ResolutionError{Stage: "list", Err: err}
		}
		if candidate := newestWithPrefix(repos, prefix); candidate != nil {
			logger.Info("reusing repository from an earlier attempt", "candidate", candidate.Name)
			return candidate.Handle(), SourceReuse, nil
		}
	}

	// 3. create, organization first
	description := fmt.Sprintf("Workspace for task %s: %s", taskID, title)
	var orgErr error
	if r.org != "" {
		created, err := r.client.CreateRepository(ctx, r.org, name, description, r.private)
		if err == nil {
			return created.Handle(), SourceOrg, nil
		}
		orgErr = err
		logger.Warn("organization repository creation failed, falling back to user scope", "org", r.org, "error", err)
	}

	created, err := r.client.CreateRepository(ctx, "", name, description, r.private)
	if err != nil {
		return "", "", &ResolutionError{Stage: "create", Err: errors.Join(orgErr, err)}
	}
	return created.Handle(), SourceUser, nil
}

// owners lists the namespaces to probe by exact name, organization first
func (r *Resolver) owners(ctx context.Context) ([]string, error) {
	if r.login == "" {
		login, err := r.client.CurrentUser(ctx)
		if err != nil {
			return nil, &ResolutionError{Stage: "auth", Err: err}
		}
		r.login = login
	}
	if r.org != "" && !strings.EqualFold(r.org, r.login) {
		return []string{r.org, r.login}, nil
	}
	return []string{r.login}, nil
}

// scopes lists the list-endpoint scopes; "" is the authenticated user
func (r *Resolver) scopes() []string {
	if r.org != "" {
		return []string{r.org, ""}
	}
	return []string{""}
}

func newestWithPrefix(repos []hosting.Repository, prefix string) *hosting.Repository {
	var matches []hosting.Repository
	for _, repo := range repos {
		rest, ok := strings.CutPrefix(strings.ToLower(repo.Name), prefix)
		if ok && isIDSuffix(rest) {
			matches = append(matches, repo)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	return &matches[0]
}

// Name is the deterministic repository name for a task:
// task-<slug(title)>-<first 8 hex chars of the ID>
func Name(taskID, title string) string {
	return TitlePrefix(title) + idSuffix(taskID)
}

// TitlePrefix is the part of Name shared by every task with the same title
func TitlePrefix(title string) string {
	return namePrefix + Slug(title) + "-"
}

// Slug lower-cases title and collapses every run of other characters to '-'
func Slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "untitled"
	}
	return slug
}

func idSuffix(taskID string) string {
	id := strings.ToLower(strings.ReplaceAll(taskID, "-", ""))
	if len(id) > idSuffixLen {
		id = id[:idSuffixLen]
	}
	return id
}

func isIDSuffix(s string) bool {
	if len(s) != idSuffixLen {
		return false
	}
	for _, c := range s {
		if !unicode.IsDigit(c) && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}
