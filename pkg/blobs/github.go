package blobs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"
	"k8s.io/klog/v2"
)

// DefaultGitHubAPIURL is the public GitHub REST endpoint.
const DefaultGitHubAPIURL = "https://api.github.com"

// GitHubStore keeps blobs as files in a GitHub repository, using the repository contents API.
// The file's blob sha is the version.
type GitHubStore struct {
	// APIURL is the base URL of the REST API, typically https://api.github.com
	APIURL *url.URL

	Owner string
	Repo  string

	// Branch is optional; the repository's default branch is used when empty.
	Branch string

	// HTTPClient must attach the credential to every request, see NewGitHubClient.
	HTTPClient *http.Client

	// now is used for cache-busting query parameters; overridden in tests.
	now func() time.Time
}

var _ Store = &GitHubStore{}

// NewGitHubClient returns an http.Client that sends "Authorization: token <token>" on every request.
// base may be nil, in which case http.DefaultTransport is used.
func NewGitHubClient(token string, base http.RoundTripper) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "token",
	})
	return &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: base},
	}
}

type contentsResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type putContentsRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type putContentsResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

type apiError struct {
	Message string `json:"message"`
}

func (s *GitHubStore) Read(ctx context.Context, path string) (*Object, error) {
	log := klog.FromContext(ctx)

	u := s.contentsURL(path)
	q := u.Query()
	if s.Branch != "" {
		q.Set("ref", s.Branch)
	}
	// Varying the query defeats CDN and browser caches in front of the API.
	q.Set("t", strconv.FormatInt(s.clock().UnixNano(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Cache-Control", "no-cache")

	startedAt := time.Now()
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, transportError("reading", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError("reading", path, resp)
	}

	var body contentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, transportError("reading", path, fmt.Errorf("decoding contents response: %w", err))
	}
	if body.Encoding != "" && body.Encoding != "base64" {
		// The contents API only inlines files up to 1MB.
		return nil, &Error{Code: codes.FailedPrecondition, Op: "reading", Path: path, Message: fmt.Sprintf("unsupported content encoding %q", body.Encoding)}
	}
	content, err := DecodeContent(body.Content)
	if err != nil {
		return nil, &Error{Code: codes.DataLoss, Op: "reading", Path: path, Err: err}
	}

	log.V(2).Info("read blob from github", "path", path, "sha", body.SHA, "bytes", len(content), "duration", time.Since(startedAt))

	return &Object{Path: path, Content: content, Version: body.SHA}, nil
}

func (s *GitHubStore) Write(ctx context.Context, path string, content []byte, opts WriteOptions) (string, error) {
	log := klog.FromContext(ctx)

	message := opts.Message
	if message == "" {
		message = "Update " + path
	}
	payload, err := json.Marshal(putContentsRequest{
		Message: message,
		Content: EncodeContent(content),
		SHA:     opts.ExpectedVersion,
		Branch:  s.Branch,
	})
	if err != nil {
		return "", fmt.Errorf("encoding contents request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.contentsURL(path).String(), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	log.Info("writing blob to github", "owner", s.Owner, "repo", s.Repo, "path", path, "bytes", len(content), "expectedSHA", opts.ExpectedVersion)

	startedAt := time.Now()
	resp, err := s.client().Do(req)
	if err != nil {
		return "", transportError("writing", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", responseError("writing", path, resp)
	}

	var body putContentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", transportError("writing", path, fmt.Errorf("decoding contents response: %w", err))
	}

	log.Info("wrote blob to github", "path", path, "sha", body.Content.SHA, "duration", time.Since(startedAt))

	return body.Content.SHA, nil
}

func (s *GitHubStore) contentsURL(path string) *url.URL {
	base := s.APIURL
	if base == nil {
		base, _ = url.Parse(DefaultGitHubAPIURL)
	}
	return base.JoinPath("repos", s.Owner, s.Repo, "contents", strings.TrimLeft(path, "/"))
}

func (s *GitHubStore) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s *GitHubStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// responseError maps a non-success contents API response to an Error carrying GitHub's message.
func responseError(op, path string, resp *http.Response) error {
	var apiErr apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
	message := apiErr.Message
	if message == "" {
		message = resp.Status
	}

	code := codes.Unknown
	switch {
	case resp.StatusCode == http.StatusNotFound:
		code = codes.NotFound
	case resp.StatusCode == http.StatusUnauthorized:
		code = codes.Unauthenticated
	case resp.StatusCode == http.StatusForbidden:
		code = codes.PermissionDenied
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			code = codes.ResourceExhausted
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		code = codes.ResourceExhausted
	case resp.StatusCode == http.StatusConflict:
		code = codes.Aborted
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// Returned both for a stale sha and for a missing sha on an existing file.
		code = codes.InvalidArgument
		if strings.Contains(strings.ToLower(message), "sha") {
			code = codes.Aborted
		}
	case resp.StatusCode >= 500:
		code = codes.Unavailable
	}
	return &Error{Code: code, Op: op, Path: path, Message: message}
}

// EncodeContent encodes content for the contents API.
func EncodeContent(content []byte) string {
	return base64.StdEncoding.EncodeToString(content)
}

// DecodeContent decodes contents API content, which GitHub wraps at 60 columns.
func DecodeContent(encoded string) ([]byte, error) {
	cleaned := strings.NewReplacer("\n", "", "\r", "").Replace(encoded)
	b, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 content: %w", err)
	}
	return b, nil
}
