package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/go-github/v74/github"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/oauth2"

	"github.com/exploopio/vulnview/pkg/errors"
)

// Location schemes understood by Open besides plain paths and http(s) URLs.
const (
	SchemeFile   = "file://"
	SchemeGitHub = "github://"
	SchemeGitLab = "gitlab://"
	Stdin        = "-"
)

// SourceConfig holds transport settings for Open.
type SourceConfig struct {
	// HTTPClient is used for http(s) locations (default http.DefaultClient).
	HTTPClient *http.Client `yaml:"-"`

	// UserAgent is sent with http(s) requests.
	UserAgent string `yaml:"user_agent"`

	// GitHubToken authenticates github:// locations.
	GitHubToken string `yaml:"github_token"`

	// GitHubBaseURL points at a GitHub Enterprise server (default: github.com).
	GitHubBaseURL string `yaml:"github_base_url"`

	// GitLabToken authenticates gitlab:// locations.
	GitLabToken string `yaml:"gitlab_token"`

	// GitLabBaseURL points at a self-managed GitLab (default: gitlab.com).
	GitLabBaseURL string `yaml:"gitlab_base_url"`

	// Stdin is read for the "-" location (default os.Stdin).
	Stdin io.Reader `yaml:"-"`
}

// Source is an opened dataset.
type Source struct {
	Body io.ReadCloser

	// Size is the transport length in bytes, or -1 when unknown.
	Size int64

	// Name is the resolved location, for logging.
	Name string
}

// Open resolves a location to a readable source. Supported forms:
//
//	-                               standard input
//	/path/data.json, file:///path   local file
//	https://host/data.json          HTTP(S); GitHub blob pages become raw URLs
//	github://owner/repo/path@ref    file in a GitHub repository
//	gitlab://group/project/-/path@ref  file in a GitLab project
func Open(ctx context.Context, location string, cfg SourceConfig) (*Source, error) {
	switch {
	case location == Stdin:
		in := cfg.Stdin
		if in == nil {
			in = os.Stdin
		}
		return &Source{Body: io.NopCloser(in), Size: -1, Name: "stdin"}, nil
	case strings.HasPrefix(location, SchemeFile):
		return openFile(strings.TrimPrefix(location, SchemeFile))
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return openHTTP(ctx, FetchableURL(location), cfg)
	case strings.HasPrefix(location, SchemeGitHub):
		return openGitHub(ctx, strings.TrimPrefix(location, SchemeGitHub), cfg)
	case strings.HasPrefix(location, SchemeGitLab):
		return openGitLab(ctx, strings.TrimPrefix(location, SchemeGitLab), cfg)
	case location == "":
		return nil, errors.E(errors.KindInvalidInput, "ingest.Open", "empty location")
	default:
		return openFile(location)
	}
}

func openFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		kind := errors.KindNetwork
		if os.IsNotExist(err) {
			kind = errors.KindNotFound
		}
		return nil, errors.WrapKind(err, kind, "ingest.Open")
	}
	size := int64(-1)
	if st, err := f.Stat(); err == nil && st.Mode().IsRegular() {
		size = st.Size()
	}
	return &Source{Body: f, Size: size, Name: path}, nil
}

// FetchableURL rewrites github.com blob page URLs to their raw content URL.
// Other URLs are returned unchanged.
func FetchableURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() != "github.com" || !strings.Contains(u.Path, "/blob/") {
		return raw
	}
	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 5 || parts[2] != "blob" {
		return raw
	}
	owner, repo, ref := parts[0], parts[1], parts[3]
	rest := strings.Join(parts[4:], "/")
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", owner, repo, ref, rest)
}

func openHTTP(ctx context.Context, rawURL string, cfg SourceConfig) (*Source, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindInvalidInput, "ingest.Open")
	}
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, readError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, statusError(resp.StatusCode)
	}
	return &Source{Body: resp.Body, Size: resp.ContentLength, Name: rawURL}, nil
}

// statusError classifies a non-success transport status.
func statusError(code int) error {
	kind := errors.KindNetwork
	switch {
	case code == http.StatusNotFound:
		kind = errors.KindNotFound
	case code >= 500:
		kind = errors.KindServer
	}
	return errors.E(kind, "ingest.Open", fmt.Sprintf("failed to fetch: %d", code), &errors.APIError{StatusCode: code})
}

// splitRef splits "path@ref" into its parts. The ref is optional.
func splitRef(s string) (string, string) {
	if i := strings.LastIndex(s, "@"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func newGitHubClient(ctx context.Context, cfg SourceConfig) (*github.Client, error) {
	var hc *http.Client
	if cfg.GitHubToken != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: cfg.GitHubToken},
		)
		hc = oauth2.NewClient(ctx, ts)
	} else if cfg.HTTPClient != nil {
		hc = cfg.HTTPClient
	}
	client := github.NewClient(hc)
	if cfg.GitHubBaseURL != "" {
		return client.WithEnterpriseURLs(cfg.GitHubBaseURL, cfg.GitHubBaseURL)
	}
	return client, nil
}

func openGitHub(ctx context.Context, loc string, cfg SourceConfig) (*Source, error) {
	loc, ref := splitRef(loc)
	parts := strings.SplitN(loc, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, errors.E(errors.KindInvalidInput, "ingest.Open", "github location must be github://owner/repo/path[@ref]")
	}
	owner, repo, path := parts[0], parts[1], parts[2]

	client, err := newGitHubClient(ctx, cfg)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindInvalidInput, "ingest.Open")
	}
	var opts *github.RepositoryContentGetOptions
	if ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: ref}
	}

	body, resp, err := client.Repositories.DownloadContents(ctx, owner, repo, path, opts)
	if err != nil {
		if resp != nil && resp.Response != nil {
			return nil, errors.WrapKind(err, statusKind(resp.StatusCode), "ingest.Open")
		}
		return nil, readError(err)
	}
	size := int64(-1)
	if resp != nil && resp.Response != nil {
		size = resp.ContentLength
	}
	return &Source{Body: body, Size: size, Name: SchemeGitHub + owner + "/" + repo + "/" + path}, nil
}

func statusKind(code int) errors.Kind {
	switch {
	case code == http.StatusNotFound:
		return errors.KindNotFound
	case code >= 500:
		return errors.KindServer
	default:
		return errors.KindNetwork
	}
}

// splitGitLab separates the project from the file path. "/-/" marks the
// boundary explicitly; without it the first two segments are the project.
func splitGitLab(loc string) (project, file string, ok bool) {
	if project, file, found := strings.Cut(loc, "/-/"); found {
		if project == "" || file == "" {
			return "", "", false
		}
		return project, file, true
	}
	parts := strings.SplitN(loc, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0] + "/" + parts[1], parts[2], true
}

func openGitLab(ctx context.Context, loc string, cfg SourceConfig) (*Source, error) {
	loc, ref := splitRef(loc)
	project, file, ok := splitGitLab(loc)
	if !ok {
		return nil, errors.E(errors.KindInvalidInput, "ingest.Open", "gitlab location must be gitlab://group/project/-/path[@ref]")
	}

	var clientOpts []gitlab.ClientOptionFunc
	if cfg.GitLabBaseURL != "" {
		clientOpts = append(clientOpts, gitlab.WithBaseURL(cfg.GitLabBaseURL))
	}
	if cfg.HTTPClient != nil {
		clientOpts = append(clientOpts, gitlab.WithHTTPClient(cfg.HTTPClient))
	}
	client, err := gitlab.NewClient(cfg.GitLabToken, clientOpts...)
	if err != nil {
		return nil, errors.WrapKind(fmt.Errorf("failed to create GitLab client: %w", err), errors.KindInvalidInput, "ingest.Open")
	}

	opt := &gitlab.GetRawFileOptions{}
	if ref != "" {
		opt.Ref = gitlab.Ptr(ref)
	}
	data, resp, err := client.RepositoryFiles.GetRawFile(project, file, opt, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.Response != nil {
			return nil, errors.WrapKind(err, statusKind(resp.StatusCode), "ingest.Open")
		}
		return nil, readError(err)
	}
	return &Source{
		Body: io.NopCloser(bytes.NewReader(data)),
		Size: int64(len(data)),
		Name: SchemeGitLab + project + "/-/" + file,
	}, nil
}
