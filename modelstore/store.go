// Package modelstore fetches model artifacts from local paths or S3
// compatible object storage into a local cache.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"opclink/logging"
)

// ErrUnsupportedScheme is returned for artifact URLs other than file and s3.
var ErrUnsupportedScheme = errors.New("unsupported model location scheme")

// Config holds the object storage settings.
type Config struct {
	CacheDir  string `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty" json:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty" json:"-"`
	PathStyle bool   `yaml:"path_style,omitempty" json:"path_style,omitempty"`
}

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store resolves model locations. It implements inference.ArtifactSource.
type Store struct {
	cfg    Config
	logger *slog.Logger
	client s3API
}

// New creates a store. The S3 client is created lazily on the first s3://
// location so deployments without object storage need no credentials.
func New(cfg Config, logger *slog.Logger) *Store {
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "opclink-models")
	}
	return &Store{cfg: cfg, logger: logging.OrDiscard(logger)}
}

func (s *Store) s3Client(ctx context.Context) (s3API, error) {
	if s.client != nil {
		return s.client, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if s.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.cfg.Region))
	}
	if s.cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKey, s.cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
		}
		o.UsePathStyle = s.cfg.PathStyle
	})
	return s.client, nil
}

// Open returns the artifact at location. Plain paths and file:// URLs are
// read directly; s3://bucket/key objects are downloaded to the cache
// first and the cached copy is returned.
func (s *Store) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	path, err := s.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Fetch makes location available on the local filesystem and returns
// the local path.
func (s *Store) Fetch(ctx context.Context, location string) (string, error) {
	if !strings.Contains(location, "://") {
		return location, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse model location %q: %w", location, err)
	}
	switch u.Scheme {
	case "file":
		return u.Path, nil
	case "s3":
		bucket, key, err := parseS3URL(u)
		if err != nil {
			return "", err
		}
		return s.download(ctx, bucket, key)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func parseS3URL(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 location %q needs a bucket and key", u.String())
	}
	return bucket, key, nil
}

func (s *Store) download(ctx context.Context, bucket, key string) (string, error) {
	client, err := s.s3Client(ctx)
	if err != nil {
		return "", err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	dest := filepath.Join(s.cfg.CacheDir, bucket, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create model cache: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return "", fmt.Errorf("create model cache file: %w", err)
	}
	n, err := io.Copy(tmp, out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store model in cache: %w", err)
	}
	s.logger.Info("model downloaded", "bucket", bucket, "key", key, "bytes", n, "path", dest)
	return dest, nil
}
