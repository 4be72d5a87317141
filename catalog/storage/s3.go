package storage

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3Timeout = 5 * time.Minute

type S3Storage struct {
	client *s3.Client
	bucket string
	prefix string
}

type S3Args struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint and static credentials are optional, for S3 compatible stores.
	Endpoint        string
	AccessKeyId     string
	SecretAccessKey string
}

func NewS3Storage(ctx context.Context, args S3Args) (Storage, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(args.Region)}
	if args.AccessKeyId != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(args.AccessKeyId, args.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if args.Endpoint != "" {
			o.BaseEndpoint = aws.String(args.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("creating new s3 storage", "bucket", args.Bucket, "prefix", args.Prefix)
	return &S3Storage{client: client, bucket: args.Bucket, prefix: strings.Trim(args.Prefix, "/")}, nil
}

func (s *S3Storage) key(p string) string {
	return strings.TrimPrefix(path.Join(s.prefix, p), "/")
}

func (s *S3Storage) dirKey(p string) string {
	k := s.key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

func (s *S3Storage) Read(p string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(p))})
	if err != nil {
		cancel()
		slog.Error("error reading s3 object", "bucket", s.bucket, "key", s.key(p), "error", err)
		return nil, fmt.Errorf("error reading file %v: %w", p, err)
	}

	return &cancelReadCloser{ReadCloser: out.Body, cancel: cancel}, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func (s *S3Storage) Write(p string, data io.Reader) error {
	// PutObject needs a seekable body to sign the payload.
	body, ok := data.(io.ReadSeeker)
	if !ok {
		buf, err := io.ReadAll(data)
		if err != nil {
			return fmt.Errorf("error buffering file %v: %w", p, err)
		}
		body = bytes.NewReader(buf)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(p)), Body: body})
	if err != nil {
		slog.Error("error writing s3 object", "bucket", s.bucket, "key", s.key(p), "error", err)
		return fmt.Errorf("error writing file %v: %w", p, err)
	}
	return nil
}

func (s *S3Storage) listKeys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket), Prefix: aws.String(prefix)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Delete removes the object at p and every object below p when it names a directory.
func (s *S3Storage) Delete(p string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	keys, err := s.listKeys(ctx, s.dirKey(p))
	if err != nil {
		slog.Error("error listing s3 objects for delete", "bucket", s.bucket, "prefix", s.dirKey(p), "error", err)
		return fmt.Errorf("error deleting file %v: %w", p, err)
	}
	keys = append(keys, s.key(p))

	for _, key := range keys {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		if err != nil && !isS3NotFound(err) {
			slog.Error("error deleting s3 object", "bucket", s.bucket, "key", key, "error", err)
			return fmt.Errorf("error deleting file %v: %w", p, err)
		}
	}
	return nil
}

func (s *S3Storage) List(p string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	prefix := s.dirKey(p)
	entries := make([]string, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("error listing s3 objects", "bucket", s.bucket, "prefix", prefix, "error", err)
			return nil, fmt.Errorf("error listing entries at %v: %w", p, err)
		}
		for _, dir := range page.CommonPrefixes {
			entries = append(entries, strings.TrimSuffix(strings.TrimPrefix(aws.ToString(dir.Prefix), prefix), "/"))
		}
		for _, obj := range page.Contents {
			entries = append(entries, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}
	return entries, nil
}

func (s *S3Storage) Exists(p string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(p))})
	if err == nil {
		return true, nil
	}
	if !isS3NotFound(err) {
		slog.Error("error checking if s3 object exists", "bucket", s.bucket, "key", s.key(p), "error", err)
		return false, fmt.Errorf("error checking if file %v exists: %w", p, err)
	}

	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket), Prefix: aws.String(s.dirKey(p)), MaxKeys: aws.Int32(1)})
	if err != nil {
		return false, fmt.Errorf("error checking if directory %v exists: %w", p, err)
	}
	return len(out.Contents) > 0, nil
}

// Unzip stages the archive in a local temp file since zip needs random access.
func (s *S3Storage) Unzip(p string) error {
	body, err := s.Read(p)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp("", "trapper-archive-*.zip")
	if err != nil {
		return fmt.Errorf("error creating temp file for archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, body)
	if err != nil {
		return fmt.Errorf("error downloading archive %v: %w", p, err)
	}

	archive, err := zip.NewReader(tmp, size)
	if err != nil {
		slog.Error("error opening zip reader", "key", s.key(p), "error", err)
		return fmt.Errorf("error opening zip reader: %w", err)
	}

	return extractZip(archive, strings.TrimSuffix(p, ".zip"), s.Write)
}

func (s *S3Storage) Size(p string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(p))})
	if err != nil {
		slog.Error("error getting s3 object size", "bucket", s.bucket, "key", s.key(p), "error", err)
		return 0, fmt.Errorf("error getting size of file %v: %w", p, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3Storage) Usage() (UsageStats, error) {
	return UsageStats{}, nil
}

func (s *S3Storage) Location() string {
	return fmt.Sprintf("s3://%v/%v", s.bucket, s.prefix)
}
