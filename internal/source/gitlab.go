package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultGitLabURL is the host used when a project URL carries none
const DefaultGitLabURL = "https://gitlab.com"

// GitLabConfig configures access to one GitLab project
type GitLabConfig struct {
	ProjectURL        string // e.g. https://gitlab.com/group/project
	Branch            string // Empty uses the project's default branch
	Token             string // Sent as PRIVATE-TOKEN when set
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// GitLab reads a project through the GitLab REST API (v4)
type GitLab struct {
	config  GitLabConfig
	baseURL string
	project string // namespace/project
	filter  Filter
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	branch string
}

// NewGitLab creates a provider for cfg.ProjectURL. No request is made
// until files are listed.
func NewGitLab(cfg GitLabConfig, filter Filter, logger *slog.Logger) (*GitLab, error) {
	if logger == nil {
		logger = slog.Default()
	}

	parsed, err := url.Parse(cfg.ProjectURL)
	if err != nil {
		return nil, fmt.Errorf("parse project url: %w", err)
	}
	project := strings.Trim(strings.TrimSuffix(parsed.Path, ".git"), "/")
	if project == "" {
		return nil, fmt.Errorf("project url %q has no project path", cfg.ProjectURL)
	}

	baseURL := DefaultGitLabURL
	if parsed.Scheme != "" && parsed.Host != "" {
		baseURL = parsed.Scheme + "://" + parsed.Host
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &GitLab{
		config:  cfg,
		baseURL: baseURL,
		project: project,
		filter:  filter,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
		branch:  cfg.Branch,
	}, nil
}

func (g *GitLab) Location() string {
	return g.baseURL + "/" + g.project
}

type treeItem struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// ListFiles pages through the recursive repository tree
func (g *GitLab) ListFiles(ctx context.Context) ([]string, error) {
	branch, err := g.resolveBranch(ctx)
	if err != nil {
		return nil, err
	}

	var files []string
	page := "1"
	for page != "" {
		query := url.Values{}
		query.Set("ref", branch)
		query.Set("recursive", "true")
		query.Set("per_page", "100")
		query.Set("page", page)

		var items []treeItem
		header, err := g.getJSON(ctx, g.projectPath("/repository/tree")+"?"+query.Encode(), "", &items)
		if err != nil {
			return nil, err
		}

		for _, item := range items {
			if item.Type != "blob" {
				continue
			}
			if !g.filter.Allow(item.Path) {
				continue
			}
			files = append(files, item.Path)
		}
		page = header.Get("X-Next-Page")
	}

	sort.Strings(files)
	g.logger.Debug("listed gitlab files",
		slog.String("project", g.project),
		slog.String("branch", branch),
		slog.Int("files", len(files)))
	return files, nil
}

// GetFileContent fetches the raw file at the configured branch
func (g *GitLab) GetFileContent(ctx context.Context, p string) (string, error) {
	rel, err := cleanRelative(p)
	if err != nil {
		return "", err
	}
	branch, err := g.resolveBranch(ctx)
	if err != nil {
		return "", err
	}

	endpoint := g.projectPath("/repository/files/"+url.PathEscape(rel)+"/raw") +
		"?ref=" + url.QueryEscape(branch)

	resp, err := g.do(ctx, endpoint, p)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var reader io.Reader = resp.Body
	if g.filter.MaxFileSize > 0 {
		reader = io.LimitReader(resp.Body, g.filter.MaxFileSize)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

// resolveBranch looks up the default branch once; failures are not cached
func (g *GitLab) resolveBranch(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.branch != "" {
		return g.branch, nil
	}

	var project struct {
		DefaultBranch string `json:"default_branch"`
	}
	if _, err := g.getJSON(ctx, g.projectPath(""), "", &project); err != nil {
		return "", err
	}
	g.branch = project.DefaultBranch
	if g.branch == "" {
		g.branch = "main"
	}
	return g.branch, nil
}

func (g *GitLab) projectPath(suffix string) string {
	return g.baseURL + "/api/v4/projects/" + url.PathEscape(g.project) + suffix
}

func (g *GitLab) getJSON(ctx context.Context, endpoint, p string, out interface{}) (http.Header, error) {
	resp, err := g.do(ctx, endpoint, p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("decode gitlab response: %w", err)
	}
	return resp.Header, nil
}

// do issues a GET and maps 401/403/404 onto AccessError and NotFoundError
func (g *GitLab) do(ctx context.Context, endpoint, p string) (*http.Response, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if g.config.Token != "" {
		req.Header.Set("PRIVATE-TOKEN", g.config.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gitlab request: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	statusErr := fmt.Errorf("gitlab status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	if p == "" {
		p = g.project
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, &NotFoundError{Path: p}
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &AccessError{Path: p, Err: statusErr}
	default:
		return nil, statusErr
	}
}

var _ Provider = (*GitLab)(nil)
