package offload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/metrics"
)

// ErrRemoteOffloadFailed wraps every upload or remote delete failure. Callers log it and move on.
var ErrRemoteOffloadFailed = errors.New("remote offload failed")

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Option func(*Uploader)

func WithLogger(log logger.Logger) Option {
	return func(u *Uploader) { u.log = log }
}

// WithTimeout bounds each background upload.
func WithTimeout(d time.Duration) Option {
	return func(u *Uploader) { u.timeout = d }
}

func withClient(c s3Client) Option {
	return func(u *Uploader) { u.client = c }
}

// Uploader copies completed artifacts to S3-compatible storage.
// The local artifact stays the durable copy whatever happens here.
type Uploader struct {
	client       s3Client
	bucket       string
	prefix       string
	storageClass string
	timeout      time.Duration
	log          logger.Logger

	wg sync.WaitGroup
}

func New(cfg config.OffloadConfig, opts ...Option) *Uploader {
	u := &Uploader{
		bucket:       cfg.Bucket,
		prefix:       cfg.Prefix,
		storageClass: cfg.StorageClass,
		log:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.client == nil {
		u.client = newS3Client(cfg)
	}
	return u
}

func newS3Client(cfg config.OffloadConfig) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.Endpoint != "",
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Key returns the object key for an artifact, e.g. backups/backup-1700000000000.sql.zst.
func (u *Uploader) Key(artifactPath string) string {
	return path.Join(u.prefix, filepath.Base(artifactPath))
}

// Upload streams the artifact to the bucket. Errors wrap ErrRemoteOffloadFailed.
func (u *Uploader) Upload(ctx context.Context, id, artifactPath string) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrRemoteOffloadFailed, artifactPath, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrRemoteOffloadFailed, artifactPath, err)
	}

	key := u.Key(artifactPath)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
		Metadata:      map[string]string{"backup-id": id},
	}
	if u.storageClass != "" {
		input.StorageClass = types.StorageClass(u.storageClass)
	}

	start := time.Now()
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("%w: upload %s to s3://%s/%s: %v", ErrRemoteOffloadFailed, id, u.bucket, key, err)
	}

	u.log.Info("backup offloaded",
		"backup_id", id,
		"bucket", u.bucket,
		"key", key,
		"size", humanize.IBytes(uint64(stat.Size())),
		"duration", time.Since(start).String(),
	)
	return nil
}

// Submit uploads in the background. Failure is logged and swallowed.
func (u *Uploader) Submit(id, artifactPath string) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()

		ctx := context.Background()
		if u.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, u.timeout)
			defer cancel()
		}

		err := u.Upload(ctx, id, artifactPath)
		metrics.OffloadsTotal.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			u.log.Warn("remote offload failed, local artifact retained", "backup_id", id, "error", err.Error())
		}
	}()
}

// Delete removes the remote copy of an artifact.
func (u *Uploader) Delete(ctx context.Context, artifactPath string) error {
	key := u.Key(artifactPath)
	_, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: delete s3://%s/%s: %v", ErrRemoteOffloadFailed, u.bucket, key, err)
	}
	u.log.Debug("remote artifact deleted", "bucket", u.bucket, "key", key)
	return nil
}

// Wait blocks until submitted uploads finish.
func (u *Uploader) Wait() {
	u.wg.Wait()
}
