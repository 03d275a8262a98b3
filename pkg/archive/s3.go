package archive

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/runboor/pkg/config"
)

const defaultPrefix = "builds"

type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.S3ArchiveConfig
	client *s3.Client
}

// Compile-time interface check.
var _ Archiver = (*s3Archiver)(nil)

// NewS3Archiver creates an archiver writing to an S3-compatible bucket.
func NewS3Archiver(log logrus.FieldLogger, cfg *config.S3ArchiveConfig) (Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	client := s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = cfg.Region
		if o.Region == "" {
			o.Region = "us-east-1"
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		o.UsePathStyle = cfg.ForcePathStyle

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})

	return &s3Archiver{
		log:    log.WithField("component", "archive"),
		cfg:    cfg,
		client: client,
	}, nil
}

func (a *s3Archiver) Archive(ctx context.Context, dest, localDir string) (int, error) {
	prefix := a.resolvePrefix(dest)

	var count int

	err := filepath.WalkDir(localDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		if err := a.put(ctx, path, prefix+"/"+filepath.ToSlash(rel)); err != nil {
			return fmt.Errorf("uploading %s: %w", rel, err)
		}

		count++

		return nil
	})
	if err != nil {
		return count, fmt.Errorf("archiving %s: %w", localDir, err)
	}

	a.log.WithFields(logrus.Fields{
		"dest":   dest,
		"files":  count,
		"bucket": a.cfg.Bucket,
		"prefix": prefix,
	}).Info("Archived build logs")

	return count, nil
}

func (a *s3Archiver) put(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
	}

	if a.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(a.cfg.StorageClass)
	}

	a.log.WithField("key", key).Debug("Uploading file")

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

// resolvePrefix builds the key prefix of a build workspace.
func (a *s3Archiver) resolvePrefix(dest string) string {
	prefix := a.cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	return strings.TrimRight(prefix, "/") + "/" + dest + "/logs"
}

// contentType returns a MIME type based on the file extension. Build logs
// are plain text.
func contentType(path string) string {
	ext := filepath.Ext(path)
	if ext == ".txt" || ext == ".log" {
		return "text/plain; charset=utf-8"
	}

	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}

	return "application/octet-stream"
}
