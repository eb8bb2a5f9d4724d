// Package archive uploads finished session directories to S3-compatible
// object storage.
//
// Only the artefacts worth keeping are uploaded: the WAV files and the
// sidecar manifest. Raw PCM files stay on local disk. Uploads run with
// bounded parallelism behind a circuit breaker, so an unreachable endpoint
// fails the rest of the batch quickly instead of timing out file by file.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/internal/resilience"
	"github.com/MrWong99/meetcap/pkg/audio/wav"
)

const defaultConcurrency = 4

// Upload statuses reported to metrics.
const (
	statusOK       = "ok"
	statusFailed   = "failed"
	statusRejected = "rejected"
)

// ObjectUploader is the subset of [manager.Uploader] used by [Uploader].
type ObjectUploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Config selects the bucket and credentials.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string

	// AccessKeyID and SecretAccessKey select static credentials. When both
	// are empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	UsePathStyle bool

	// Concurrency bounds parallel uploads. Default: 4.
	Concurrency int
}

// Option configures an [Uploader].
type Option func(*Uploader)

// WithClient replaces the S3 upload client. Used by tests and by callers
// that share one client between components.
func WithClient(c ObjectUploader) Option {
	return func(u *Uploader) { u.client = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(u *Uploader) { u.metrics = m }
}

// WithBreaker replaces the circuit breaker guarding uploads.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(u *Uploader) { u.breaker = cb }
}

// Uploader copies session directories to a bucket.
type Uploader struct {
	bucket      string
	prefix      string
	concurrency int

	client  ObjectUploader
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

// New builds an Uploader for cfg. Unless [WithClient] is given, it loads
// the AWS configuration and creates an S3 client, honouring a custom
// endpoint and path-style addressing for S3-compatible stores.
func New(ctx context.Context, cfg Config, opts ...Option) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	u := &Uploader{
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		concurrency: cfg.Concurrency,
	}
	if u.concurrency <= 0 {
		u.concurrency = defaultConcurrency
	}
	for _, o := range opts {
		o(u)
	}
	if u.metrics == nil {
		u.metrics = observe.DefaultMetrics()
	}
	if u.breaker == nil {
		u.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "archive",
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("archive: circuit breaker state changed", "name", name, "from", from, "to", to)
			},
		})
	}
	if u.client == nil {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		u.client = manager.NewUploader(client)
	}
	return u, nil
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Bucket returns the target bucket name.
func (u *Uploader) Bucket() string { return u.bucket }

// ObjectKey returns the key under which file name of a session directory
// is stored.
func (u *Uploader) ObjectKey(session, name string) string {
	return path.Join(u.prefix, session, name)
}

// UploadDir uploads every WAV file and the manifest of dir under
// <prefix>/<session>/. It returns the number of objects uploaded and the
// joined errors of every failed file. One failing file never stops the
// others, but once the breaker opens the remaining uploads are rejected
// without contacting the endpoint.
func (u *Uploader) UploadDir(ctx context.Context, dir, session string) (n int, err error) {
	ctx, span := observe.StartSpan(ctx, "archive.upload_dir")
	defer func() { observe.EndSpan(span, err) }()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("archive: read dir: %w", err)
	}

	var (
		uploaded atomic.Int64
		mu       sync.Mutex
		errs     []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)

	for _, e := range entries {
		if e.IsDir() || !archivable(e.Name()) {
			continue
		}
		name := e.Name()
		g.Go(func() error {
			err := u.uploadFile(gctx, filepath.Join(dir, name), u.ObjectKey(session, name))
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("archive: %s: %w", name, err))
				mu.Unlock()
				return nil
			}
			uploaded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n = int(uploaded.Load())
	slog.Info("archive: session uploaded", "session", session, "bucket", u.bucket, "objects", n, "failed", len(errs))
	return n, errors.Join(errs...)
}

func (u *Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	err := u.breaker.Execute(ctx, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = u.client.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType(localPath)),
		})
		return err
	})
	switch {
	case err == nil:
		u.metrics.RecordUpload(ctx, statusOK)
	case errors.Is(err, resilience.ErrCircuitOpen):
		u.metrics.RecordUpload(ctx, statusRejected)
	default:
		u.metrics.RecordUpload(ctx, statusFailed)
		slog.Warn("archive: upload failed", "key", key, "err", err)
	}
	return err
}

func archivable(name string) bool {
	return name == wav.ManifestFileName || strings.HasSuffix(name, ".wav")
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".wav") {
		return "audio/wav"
	}
	return "application/yaml"
}
