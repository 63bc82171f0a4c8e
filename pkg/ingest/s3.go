package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bmatcuk/doublestar/v4"
)

// S3Client is the subset of the S3 API used by S3Source.
type S3Client interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Config holds connection settings for an S3 compatible store.
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string
}

// LoadS3ConfigFromEnv reads S3 settings from the environment:
//   - S3_ACCESS_KEY_ID / AWS_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY / AWS_SECRET_ACCESS_KEY (optional, both or neither)
//   - S3_ENDPOINT / AWS_ENDPOINT_URL (optional, for MinIO)
//   - S3_REGION / AWS_REGION (optional, defaults to "us-east-1")
//
// Without static keys the default AWS credential chain is used.
func LoadS3ConfigFromEnv() (S3Config, error) {
	cfg := S3Config{
		AccessKeyID:     firstEnv("S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"),
		SecretAccessKey: firstEnv("S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"),
		Endpoint:        firstEnv("S3_ENDPOINT", "AWS_ENDPOINT_URL"),
		Region:          firstEnv("S3_REGION", "AWS_REGION"),
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return S3Config{}, errors.New("S3 access key id and secret access key must be set together")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// NewS3Client builds an S3 client for cfg. A custom endpoint implies a MinIO
// style deployment and path-style addressing.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint == "" {
			return
		}
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "http://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	}), nil
}

type S3SourceConfig struct {
	Logger *slog.Logger
	Client S3Client
	Bucket string
	// Pattern is a doublestar glob matched against object keys.
	Pattern string
	// TempDir receives downloaded copies; empty means os.TempDir().
	TempDir string
}

func (cfg *S3SourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Pattern == "" {
		return ErrNoPattern
	}
	if !doublestar.ValidatePattern(cfg.Pattern) {
		return fmt.Errorf("invalid key pattern %q", cfg.Pattern)
	}
	return nil
}

// S3Source reads usage files from an S3 bucket.
type S3Source struct {
	log *slog.Logger
	cfg S3SourceConfig
}

func NewS3Source(cfg S3SourceConfig) (*S3Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Source{log: cfg.Logger, cfg: cfg}, nil
}

func (s *S3Source) ListFiles(ctx context.Context) ([]FileInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.cfg.Bucket)}
	if prefix := globPrefix(s.cfg.Pattern); prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var files []FileInfo
	paginator := s3.NewListObjectsV2Paginator(s.cfg.Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", s.cfg.Bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			if ok, _ := doublestar.Match(s.cfg.Pattern, key); !ok {
				continue
			}
			files = append(files, FileInfo{Name: key, Modified: aws.ToTime(obj.LastModified)})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// FetchLocalCopy downloads the object to a temp file that release removes.
func (s *S3Source) FetchLocalCopy(ctx context.Context, name string) (string, func(), error) {
	out, err := s.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch s3://%s/%s: %w", s.cfg.Bucket, name, err)
	}
	defer out.Body.Close()

	f, err := os.CreateTemp(s.cfg.TempDir, "usage_*_"+path.Base(name))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	release := func() {
		if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
			s.log.Warn("ingest: failed to remove temp file", "path", f.Name(), "error", err)
		}
	}
	n, err := io.Copy(f, out.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		release()
		return "", nil, fmt.Errorf("failed to download s3://%s/%s: %w", s.cfg.Bucket, name, err)
	}
	s.log.Debug("ingest: downloaded file", "key", name, "bytes", n, "path", f.Name())
	return f.Name(), release, nil
}

// BeforeCycle checks that the bucket is reachable before listing.
func (s *S3Source) BeforeCycle(ctx context.Context) error {
	if _, err := s.cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		return fmt.Errorf("failed to access bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

func (s *S3Source) AfterCycle(context.Context) error { return nil }

// globPrefix returns the literal leading path of pattern, usable as a list
// prefix.
func globPrefix(pattern string) string {
	i := strings.IndexAny(pattern, "*?[{\\")
	if i < 0 {
		return pattern
	}
	return pattern[:strings.LastIndex(pattern[:i], "/")+1]
}
