package archive

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"webhook-relay/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver mirrors completed-job artifacts to durable storage so delivered
// results outlive the provider's short-lived URLs. Image artifacts
// additionally get a resized thumbnail.
type Archiver struct {
	cfg        config.Config
	httpClient *http.Client
	dest       uploader
	log        *zap.Logger
}

// New builds an archiver and picks a destination: S3 when a bucket is
// configured, local disk otherwise.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Archiver, error) {
	var dest uploader
	switch {
	case cfg.ArchiveS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dest = &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}
	case cfg.ArchiveLocalDir != "":
		dest = &localUploader{baseDir: cfg.ArchiveLocalDir}
	default:
		return nil, fmt.Errorf("archiver enabled without a destination")
	}
	return &Archiver{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dest:       dest,
		log:        log,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Archive downloads an artifact and stores the original; image artifacts
// also get a thumbnail next to it.
func (a *Archiver) Archive(ctx context.Context, jobID, artifactURL string) error {
	data, contentType, err := a.download(ctx, artifactURL)
	if err != nil {
		return err
	}

	key := jobID + "/original" + extensionFor(artifactURL, contentType)
	location, err := a.dest.Upload(ctx, key, data, contentType)
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	a.log.Info("artifact archived", zap.String("job_id", jobID), zap.String("location", location))

	if a.cfg.ArchiveThumbWidth > 0 && strings.HasPrefix(strings.ToLower(contentType), "image/") {
		if err := a.storeThumbnail(ctx, jobID, data); err != nil {
			a.log.Warn("thumbnail skipped", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

func (a *Archiver) storeThumbnail(ctx context.Context, jobID string, data []byte) error {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Resize(img, a.cfg.ArchiveThumbWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	_, err = a.dest.Upload(ctx, jobID+"/thumb.jpg", buf.Bytes(), "image/jpeg")
	return err
}

func (a *Archiver) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}

	limit := a.cfg.ArchiveMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("artifact too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func extensionFor(rawURL, contentType string) string {
	if ext := strings.ToLower(filepath.Ext(rawURL)); ext != "" && len(ext) <= 5 && !strings.ContainsAny(ext, "?&") {
		return ext
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		return ".png"
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return ".jpg"
	case strings.Contains(ct, "gif"):
		return ".gif"
	case strings.Contains(ct, "json"):
		return ".json"
	default:
		return ".bin"
	}
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.Clean(key))
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
