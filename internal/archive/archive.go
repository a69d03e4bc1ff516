package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"broker-dispatch/internal/config"
)

// Uploader stores one object and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver writes SLA report snapshots as JSON objects keyed by time.
type Archiver struct {
	uploader Uploader
	prefix   string
	now      func() time.Time
}

// New picks S3 when a bucket is configured, a local directory when one is
// set, and returns nil when archiving is disabled.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	switch {
	case cfg.ArchiveBucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewWithUploader(&s3Uploader{client: client, bucket: cfg.ArchiveBucket}), nil
	case cfg.ArchiveDir != "":
		return NewWithUploader(&localUploader{baseDir: cfg.ArchiveDir}), nil
	}
	return nil, nil
}

func NewWithUploader(u Uploader) *Archiver {
	return &Archiver{uploader: u, prefix: "sla-reports", now: time.Now}
}

// Save stores v as sla-reports/YYYY/MM/DD/<kind>-<unix ms>.json.
func (a *Archiver) Save(ctx context.Context, kind string, v any) (string, error) {
	if a == nil {
		return "", errors.New("archive disabled")
	}
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	ts := a.now().UTC()
	key := fmt.Sprintf("%s/%s/%s-%d.json", a.prefix, ts.Format("2006/01/02"), sanitizeKey(kind), ts.UnixMilli())
	return a.uploader.Upload(ctx, key, body, "application/json")
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveEndpoint)
		}
		o.UsePathStyle = cfg.ArchivePathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return strings.ReplaceAll(key, string(filepath.Separator), "-")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
