package blobs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"google.golang.org/grpc/codes"
	"k8s.io/klog/v2"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3Store keeps blobs in an S3-compatible bucket. The ETag is the version; conditional writes
// use If-Match / If-None-Match, which MinIO and S3 both honour.
type S3Store struct {
	client     *minio.Client
	bucketName string
	prefix     string
}

var _ Store = (*S3Store)(nil)

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
		// A single attempt per call; the poll loop owns the retry policy.
		MaxRetries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Store{
		client:     client,
		bucketName: bucket,
		prefix:     cfg.Prefix,
	}, nil
}

func (s *S3Store) key(path string) string {
	return s.prefix + strings.TrimLeft(path, "/")
}

func (s *S3Store) Read(ctx context.Context, path string) (*Object, error) {
	log := klog.FromContext(ctx)

	opts := minio.GetObjectOptions{}
	opts.Set("Cache-Control", "no-cache")
	// S3 ignores query parameters starting with "x-", caches in front of it do not.
	opts.AddReqParam("x-cache-bust", strconv.FormatInt(time.Now().UnixNano(), 10))

	startedAt := time.Now()
	obj, err := s.client.GetObject(ctx, s.bucketName, s.key(path), opts)
	if err != nil {
		return nil, s3Error("reading", path, err)
	}
	defer obj.Close()

	// The first read sends the GET; Stat then returns the info cached from that response.
	content, err := io.ReadAll(obj)
	if err != nil {
		return nil, s3Error("reading", path, err)
	}
	info, err := obj.Stat()
	if err != nil {
		return nil, s3Error("reading", path, err)
	}

	log.V(2).Info("read blob from s3", "bucket", s.bucketName, "key", s.key(path), "etag", info.ETag, "bytes", len(content), "duration", time.Since(startedAt))

	return &Object{Path: path, Content: content, Version: info.ETag}, nil
}

func (s *S3Store) Write(ctx context.Context, path string, content []byte, opts WriteOptions) (string, error) {
	log := klog.FromContext(ctx)

	putOpts := minio.PutObjectOptions{
		ContentType:  "application/json",
		CacheControl: "no-cache, max-age=0",
	}
	if opts.Message != "" {
		putOpts.UserMetadata = map[string]string{"message": opts.Message}
	}
	if opts.ExpectedVersion == "" {
		putOpts.SetMatchETagExcept("*")
	} else {
		putOpts.SetMatchETag(strings.Trim(opts.ExpectedVersion, `"`))
	}

	log.Info("writing blob to s3", "bucket", s.bucketName, "key", s.key(path), "bytes", len(content), "expectedETag", opts.ExpectedVersion)

	info, err := s.client.PutObject(ctx, s.bucketName, s.key(path), bytes.NewReader(content), int64(len(content)), putOpts)
	if err != nil {
		return "", s3Error("writing", path, err)
	}
	return info.ETag, nil
}

func s3Error(op, path string, err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "" && errResp.StatusCode == 0 {
		return transportError(op, path, err)
	}

	code := codes.Unknown
	switch {
	case errResp.Code == "NoSuchKey":
		code = codes.NotFound
	case errResp.Code == "PreconditionFailed" || errResp.StatusCode == http.StatusPreconditionFailed || errResp.StatusCode == http.StatusConflict:
		code = codes.Aborted
	case errResp.Code == "InvalidAccessKeyId" || errResp.Code == "SignatureDoesNotMatch":
		code = codes.Unauthenticated
	case errResp.Code == "AccessDenied" || errResp.StatusCode == http.StatusForbidden:
		code = codes.PermissionDenied
	case errResp.Code == "SlowDown" || errResp.StatusCode == http.StatusTooManyRequests:
		code = codes.ResourceExhausted
	case errResp.StatusCode >= 500:
		code = codes.Unavailable
	case errResp.Code == "NoSuchBucket":
		code = codes.FailedPrecondition
	}
	message := errResp.Message
	if message == "" {
		message = errResp.Code
	}
	return &Error{Code: code, Op: op, Path: path, Message: message, Err: err}
}
