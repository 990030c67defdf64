// Package archive optionally uploads a terminal job's local working
// directory to S3-compatible object storage once it is no longer
// needed locally (§4.9 FULL archival hook).
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

// Config configures the S3-compatible archiver.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // non-empty selects an R2/MinIO-style custom endpoint
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archiver uploads one gzip'd tar per archived job, grouping the
// top-level files of its local working directory under a single
// object key. Subdirectories and the files inside them are skipped.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	log    *slog.Logger
}

// New constructs an S3Archiver from cfg.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*S3Archiver, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, log: log}, nil
}

// Archive tars and gzips job.LocalWorkingDirectory and uploads it to
// <prefix>/<moleQueueId>.tar.gz. A job with no working directory (or
// one already cleaned up) is a no-op, not an error.
func (a *S3Archiver) Archive(ctx context.Context, job *jobstore.Job) error {
	if job.LocalWorkingDirectory == "" {
		return nil
	}
	if _, err := os.Stat(job.LocalWorkingDirectory); os.IsNotExist(err) {
		return nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tarDir(tw, job.LocalWorkingDirectory); err != nil {
		return fmt.Errorf("archive: tar working directory: %w", err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	key := filepath.ToSlash(filepath.Join(a.prefix, strconv.FormatInt(job.MoleQueueID, 10)+".tar.gz"))
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("archive: put object %s: %w", key, err)
	}

	a.log.Info("archived job output", "jobId", job.MoleQueueID, "key", key)
	return nil
}

func tarDir(tw *tar.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = e.Name()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
