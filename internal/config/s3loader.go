package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// NewS3Client builds an S3 client for the configured endpoint.
// Static credentials are used when both keys are set; otherwise the default AWS chain applies.
func NewS3Client(ctx context.Context, cfg *Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true // MinIO and R2
		}
	}), nil
}

// ObjectGetter is the part of *s3.Client the loader uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3LoaderConfig configures an S3Loader.
type S3LoaderConfig struct {
	S3Client     ObjectGetter
	Bucket       string
	Key          string
	CacheTTL     time.Duration // minimum time between checks, default 5m
	ErrorBackoff time.Duration // wait after a failed check, default 1m
	Logger       *slog.Logger
	Now          func() time.Time
}

// S3LoadResult is one fetch of the watched object.
type S3LoadResult struct {
	Data       []byte
	Etag       string
	FetchTime  time.Time
	NotChanged bool // the ETag matched; Data is empty
}

// S3Loader watches a single S3 object such as a proxy list or a log filter file.
// Downloads are skipped while the object's ETag is unchanged.
type S3Loader struct {
	client ObjectGetter
	bucket string
	key    string

	cacheTTL     time.Duration
	errorBackoff time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	etag     string
	checked  time.Time
	failed   time.Time
	seen     bool
	inFlight bool
}

// NewS3Loader creates a loader. A nil client yields a disabled loader.
func NewS3Loader(cfg S3LoaderConfig) *S3Loader {
	l := &S3Loader{
		client:       cfg.S3Client,
		bucket:       cfg.Bucket,
		key:          cfg.Key,
		cacheTTL:     cfg.CacheTTL,
		errorBackoff: cfg.ErrorBackoff,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if l.cacheTTL <= 0 {
		l.cacheTTL = 5 * time.Minute
	}
	if l.errorBackoff <= 0 {
		l.errorBackoff = time.Minute
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	l.logger = l.logger.With("bucket", l.bucket, "key", l.key)
	return l
}

// IsEnabled reports whether a client is configured.
func (l *S3Loader) IsEnabled() bool {
	return l != nil && l.client != nil
}

// Etag returns the ETag of the last object downloaded.
func (l *S3Loader) Etag() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.etag
}

// NeedsRefresh reports whether a check is due: the cache TTL has passed, no
// error backoff is running and no other fetch is in flight.
func (l *S3Loader) NeedsRefresh() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dueLocked()
}

func (l *S3Loader) dueLocked() bool {
	now := l.now()
	if l.inFlight {
		return false
	}
	if !l.failed.IsZero() && now.Sub(l.failed) < l.errorBackoff {
		return false
	}
	return !l.seen || now.Sub(l.checked) >= l.cacheTTL
}

// Fetch checks the object. It returns (nil, nil) when no check is due or the
// object does not exist, a NotChanged result on an ETag match, and the new
// contents otherwise.
func (l *S3Loader) Fetch(ctx context.Context) (*S3LoadResult, error) {
	if !l.IsEnabled() {
		return nil, nil
	}

	l.mu.Lock()
	if !l.dueLocked() {
		l.mu.Unlock()
		return nil, nil
	}
	l.inFlight = true
	etag := l.etag
	l.mu.Unlock()

	result, err := l.get(ctx, etag)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight = false
	l.seen = true
	l.checked = l.now()
	switch {
	case err != nil:
		l.failed = l.checked
	case result != nil && !result.NotChanged:
		l.etag = result.Etag
		l.failed = time.Time{}
	}
	return result, err
}

func (l *S3Loader) get(ctx context.Context, etag string) (*S3LoadResult, error) {
	in := &s3.GetObjectInput{Bucket: aws.String(l.bucket), Key: aws.String(l.key)}
	if etag != "" {
		in.IfNoneMatch = aws.String(`"` + etag + `"`)
	}

	resp, err := l.client.GetObject(ctx, in)
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			l.logger.Debug("S3 object not found")
			return nil, nil
		}
		var coded interface{ ErrorCode() string }
		if errors.As(err, &coded) && coded.ErrorCode() == "NotModified" {
			l.logger.Debug("S3 object unchanged", "etag", etag)
			return &S3LoadResult{Etag: etag, NotChanged: true}, nil
		}
		l.logger.Error("failed to fetch S3 object", "error", err, "retry_in", l.errorBackoff)
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", l.bucket, l.key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", l.bucket, l.key, err)
	}

	result := &S3LoadResult{Data: data, FetchTime: l.now()}
	if resp.ETag != nil {
		result.Etag = strings.Trim(*resp.ETag, `"`)
	}
	l.logger.Debug("S3 object fetched", "etag", result.Etag, "previous_etag", etag, "size", len(data))
	return result, nil
}

// Watch checks the object immediately and then every interval, passing each
// new version to apply. A failing apply keeps the previous state in the caller
// and is logged. Watch blocks until ctx is cancelled.
func (l *S3Loader) Watch(ctx context.Context, interval time.Duration, apply func(*S3LoadResult) error) {
	if !l.IsEnabled() {
		return
	}
	if interval <= 0 {
		interval = l.cacheTTL
	}

	refresh := func() {
		result, err := l.Fetch(ctx)
		if err != nil || result == nil || result.NotChanged {
			return
		}
		if err := apply(result); err != nil {
			l.logger.Error("rejected S3 object", "error", err, "etag", result.Etag)
		}
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
