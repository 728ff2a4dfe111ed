package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/employee-import/internal/config"
	"github.com/ignite/employee-import/internal/pkg/logger"
)

// =============================================================================
// FILE STORAGE
// =============================================================================
// Resolves a job's stored file path to a readable local file. Uploads land
// under the local storage root; when an S3 bucket is configured, files the
// upload tier parked there are pulled down on demand.

// Store resolves import file paths.
type Store struct {
	root       string
	bucket     string
	prefix     string
	downloader *manager.Downloader
}

// New creates a store over the configured root. The S3 source is optional;
// a load failure there disables it with a warning rather than stopping the
// worker.
func New(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	s := &Store{root: cfg.Root, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}
	if cfg.S3Bucket == "" {
		return s, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if profile := cfg.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		logger.Warn("failed to load AWS config, S3 source disabled", "error", err.Error())
		s.bucket = ""
		return s, nil
	}
	s.downloader = manager.NewDownloader(s3.NewFromConfig(awsCfg))
	return s, nil
}

// Resolve returns a readable local path for filePath. Absolute paths are
// accepted as-is; relative paths are tried under the private root first, then
// the root itself, then the S3 source.
func (s *Store) Resolve(ctx context.Context, filePath string) (string, error) {
	if filepath.IsAbs(filePath) {
		if _, err := os.Stat(filePath); err != nil {
			return "", fmt.Errorf("import file not found: %w", err)
		}
		return filePath, nil
	}

	candidates := []string{
		filepath.Join(s.root, "private", filePath),
		filepath.Join(s.root, filePath),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if s.downloader != nil {
		return s.download(ctx, filePath)
	}
	return "", fmt.Errorf("import file not found under %s: %s", s.root, filePath)
}

// download pulls the file from S3 into the local root so later resolutions
// (and resumptions) hit disk.
func (s *Store) download(ctx context.Context, filePath string) (string, error) {
	local := filepath.Join(s.root, "private", filePath)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", fmt.Errorf("create storage dir: %w", err)
	}

	f, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}
	defer f.Close()

	key := filePath
	if s.prefix != "" {
		key = s.prefix + "/" + filePath
	}
	n, err := s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(local)
		return "", fmt.Errorf("download s3://%s/%s: %w", s.bucket, key, err)
	}
	logger.Info("downloaded import file from S3", "key", key, "bytes", n)
	return local, nil
}
