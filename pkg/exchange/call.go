package exchange

import (
	"context"
	"net/url"
	"strings"

	"github.com/goraskills/webhook-bridge/pkg/blobs"
)

// Scope names the GitHub repository used as the blob store.
type Scope struct {
	// APIURL defaults to blobs.DefaultGitHubAPIURL.
	APIURL string
	Owner  string
	Repo   string
	Branch string
}

// Call runs one exchange through a GitHub repository and renders the outcome. It is the entry
// point for callers with no error handling of their own: it always returns a displayable string.
func Call(ctx context.Context, payload []byte, credential string, scope Scope, opts Options) string {
	if strings.TrimSpace(credential) == "" || scope.Owner == "" || scope.Repo == "" || len(strings.TrimSpace(string(payload))) == 0 {
		return Result{Status: StatusInvalid, Err: invalid("token, owner, repository and JSON payload are required")}.Render()
	}

	apiURL, err := url.Parse(firstNonEmpty(scope.APIURL, blobs.DefaultGitHubAPIURL))
	if err != nil {
		return Result{Status: StatusInvalid, Err: invalid("invalid GitHub API URL %q", scope.APIURL)}.Render()
	}

	store := &blobs.GitHubStore{
		APIURL:     apiURL,
		Owner:      scope.Owner,
		Repo:       scope.Repo,
		Branch:     scope.Branch,
		HTTPClient: blobs.NewGitHubClient(credential, nil),
	}
	return New(store, opts).Run(ctx, Request{Command: payload}).Render()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
