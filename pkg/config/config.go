package config

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goraskills/webhook-bridge/pkg/blobs"
	"github.com/goraskills/webhook-bridge/pkg/exchange"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

const (
	StoreGitHub = "github"
	StoreGCS    = "gcs"
	StoreS3     = "s3"
	StoreLocal  = "local"
)

type Config struct {
	Store    string
	GitHub   GitHubConfig
	GCS      GCSConfig
	S3       blobs.S3Config
	LocalDir string

	CommandPath  string
	ResponsePath string
	Interval     time.Duration
	MaxAttempts  int
	ResultField  string
	// Display is "gview" for the Google Docs viewer URL or "raw" for the document URL itself.
	Display string

	// Payload is the command JSON; "-" means read it from stdin.
	Payload string
}

type GitHubConfig struct {
	APIURL string
	Token  string
	Owner  string
	Repo   string
	Branch string
}

type GCSConfig struct {
	Bucket string
	Prefix string
	// Endpoint overrides the storage endpoint, e.g. for fake-gcs-server.
	Endpoint  string
	Anonymous bool
}

// Load reads .env (if present), then the environment, then flags registered on fs.
// Flags win over environment variables.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Store: firstNonEmpty(env("BRIDGE_STORE"), StoreGitHub),
		GitHub: GitHubConfig{
			APIURL: firstNonEmpty(env("GITHUB_API_URL"), blobs.DefaultGitHubAPIURL),
			Token:  env("GITHUB_TOKEN"),
			Owner:  env("GITHUB_OWNER"),
			Repo:   env("GITHUB_REPO"),
			Branch: env("GITHUB_BRANCH"),
		},
		GCS: GCSConfig{
			Bucket:   strings.TrimPrefix(env("GCS_BUCKET"), "gs://"),
			Prefix:   env("GCS_PREFIX"),
			Endpoint: env("GCS_ENDPOINT"),
		},
		S3: blobs.S3Config{
			Endpoint:  firstNonEmpty(env("S3_ENDPOINT"), env("MINIO_ENDPOINT")),
			Region:    firstNonEmpty(env("S3_REGION"), "us-east-1"),
			AccessKey: firstNonEmpty(env("S3_ACCESS_KEY"), env("MINIO_ROOT_USER")),
			SecretKey: firstNonEmpty(env("S3_SECRET_KEY"), env("MINIO_ROOT_PASSWORD")),
			Bucket:    env("S3_BUCKET"),
			Prefix:    env("S3_PREFIX"),
		},
		LocalDir:     firstNonEmpty(env("LOCAL_DIR"), "./.bridge"),
		CommandPath:  firstNonEmpty(env("COMMAND_PATH"), exchange.DefaultCommandPath),
		ResponsePath: firstNonEmpty(env("RESPONSE_PATH"), exchange.DefaultResponsePath),
		ResultField:  firstNonEmpty(env("RESULT_FIELD"), exchange.DefaultResultField),
		Display:      firstNonEmpty(env("DISPLAY_MODE"), "gview"),
		Payload:      env("BRIDGE_PAYLOAD"),
	}

	var err error
	if c.GCS.Anonymous, err = envBool("GCS_ANONYMOUS", false); err != nil {
		return nil, err
	}
	if c.S3.UseSSL, err = envBool("S3_USE_SSL", true); err != nil {
		return nil, err
	}
	if c.Interval, err = envDuration("POLL_INTERVAL", exchange.DefaultInterval); err != nil {
		return nil, err
	}
	if c.MaxAttempts, err = envInt("POLL_MAX_ATTEMPTS", exchange.DefaultMaxAttempts); err != nil {
		return nil, err
	}

	fs.StringVar(&c.Store, "store", c.Store, "blob store backend: github, gcs, s3 or local")
	fs.StringVar(&c.GitHub.APIURL, "github-api-url", c.GitHub.APIURL, "base URL of the GitHub REST API")
	fs.StringVar(&c.GitHub.Owner, "owner", c.GitHub.Owner, "GitHub repository owner")
	fs.StringVar(&c.GitHub.Repo, "repo", c.GitHub.Repo, "GitHub repository name")
	fs.StringVar(&c.GitHub.Branch, "branch", c.GitHub.Branch, "GitHub branch (default branch when empty)")
	fs.StringVar(&c.GCS.Bucket, "gcs-bucket", c.GCS.Bucket, "GCS bucket")
	fs.StringVar(&c.GCS.Prefix, "gcs-prefix", c.GCS.Prefix, "prefix for GCS object names")
	fs.StringVar(&c.S3.Endpoint, "s3-endpoint", c.S3.Endpoint, "S3 endpoint host:port")
	fs.StringVar(&c.S3.Bucket, "s3-bucket", c.S3.Bucket, "S3 bucket")
	fs.StringVar(&c.S3.Prefix, "s3-prefix", c.S3.Prefix, "prefix for S3 object keys")
	fs.StringVar(&c.LocalDir, "local-dir", c.LocalDir, "directory used by the local store")
	fs.StringVar(&c.CommandPath, "command-path", c.CommandPath, "path of the command object")
	fs.StringVar(&c.ResponsePath, "response-path", c.ResponsePath, "path of the response object")
	fs.DurationVar(&c.Interval, "interval", c.Interval, "wait between response reads")
	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "number of response reads before giving up")
	fs.StringVar(&c.ResultField, "result-field", c.ResultField, "response field holding the document URL")
	fs.StringVar(&c.Display, "display", c.Display, "how to show the document: gview or raw")
	fs.StringVar(&c.Payload, "payload", c.Payload, `command JSON, or "-" to read it from stdin`)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreGitHub:
		if c.GitHub.Token == "" || c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			return fmt.Errorf("github store requires GITHUB_TOKEN, owner and repo")
		}
		if _, err := url.Parse(c.GitHub.APIURL); err != nil {
			return fmt.Errorf("parsing github api url %q: %w", c.GitHub.APIURL, err)
		}
	case StoreGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("gcs store requires a bucket")
		}
	case StoreS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("s3 store requires an endpoint and a bucket")
		}
	case StoreLocal:
		if c.LocalDir == "" {
			return fmt.Errorf("local store requires a directory")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.Display != "gview" && c.Display != "raw" {
		return fmt.Errorf("unknown display mode %q", c.Display)
	}
	return nil
}

// NewStore builds the configured backend. The returned close function releases its clients.
func (c *Config) NewStore(ctx context.Context) (blobs.Store, func() error, error) {
	noop := func() error { return nil }

	switch c.Store {
	case StoreGitHub:
		apiURL, err := url.Parse(c.GitHub.APIURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing github api url %q: %w", c.GitHub.APIURL, err)
		}
		return &blobs.GitHubStore{
			APIURL:     apiURL,
			Owner:      c.GitHub.Owner,
			Repo:       c.GitHub.Repo,
			Branch:     c.GitHub.Branch,
			HTTPClient: blobs.NewGitHubClient(c.GitHub.Token, nil),
		}, noop, nil

	case StoreGCS:
		var opts []option.ClientOption
		if c.GCS.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(c.GCS.Endpoint))
		}
		if c.GCS.Anonymous {
			opts = append(opts, option.WithoutAuthentication())
		}
		store, err := blobs.NewGCSStore(ctx, c.GCS.Bucket, c.GCS.Prefix, opts...)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case StoreS3:
		store, err := blobs.NewS3Store(c.S3)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil

	case StoreLocal:
		return &blobs.LocalStore{Root: c.LocalDir}, noop, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", c.Store)
}

func (c *Config) ExchangeOptions() exchange.Options {
	opts := exchange.DefaultOptions()
	opts.CommandPath = c.CommandPath
	opts.ResponsePath = c.ResponsePath
	opts.Interval = c.Interval
	opts.MaxAttempts = c.MaxAttempts
	opts.ResultField = c.ResultField
	if c.Display == "raw" {
		opts.Presenter = exchange.Identity
	}
	return opts
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envBool(key string, def bool) (bool, error) {
	raw := env(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q: %w", key, raw, err)
	}
	return v, nil
}

func envInt(key string, def int) (int, error) {
	raw := env(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, raw, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := env(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, raw, err)
	}
	return v, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
