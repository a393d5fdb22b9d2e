// Package storage uploads packaged model archives to S3.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/cloud"
)

// S3API is the subset of the S3 client used by the Uploader. The embedded
// manager.UploadAPIClient covers PutObject and the multipart calls.
type S3API interface {
	manager.UploadAPIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Uploader puts artifact archives into a bucket. Archives larger than
// PartSize are sent as a multipart upload.
type Uploader struct {
	// PartSize overrides manager.DefaultUploadPartSize when non-zero.
	PartSize int64

	client S3API
	logger zerolog.Logger
}

// NewUploader creates an Uploader.
func NewUploader(client S3API, logger zerolog.Logger) *Uploader {
	return &Uploader{client: client, logger: logger}
}

// Upload puts the file at path under bucket/key and returns its s3:// URI.
// The archive SHA-256 is stored as object metadata.
func (u *Uploader) Upload(ctx context.Context, bucket, key, path string) (string, error) {
	if bucket == "" || key == "" {
		return "", &api.InvalidParameterError{Message: "bucket and key are required"}
	}
	if _, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return "", cloud.MapAWSError(err, "bucket", bucket)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	sum, err := fileSHA256(f)
	if err != nil {
		return "", err
	}

	up := manager.NewUploader(u.client, func(m *manager.Uploader) {
		if u.PartSize > 0 {
			m.PartSize = u.PartSize
		}
	})
	start := time.Now()
	_, err = up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/gzip"),
		Metadata:    map[string]string{"sha256": sum},
	})
	if err != nil {
		return "", cloud.MapAWSError(err, "object", bucket+"/"+key)
	}

	uri := URI(bucket, key)
	u.logger.Info().
		Str("bucket", bucket).
		Str("key", key).
		Int64("bytes", st.Size()).
		Dur("dur", time.Since(start)).
		Msg("artifact uploaded")
	return uri, nil
}

// Delete removes bucket/key. A missing object is not an error.
func (u *Uploader) Delete(ctx context.Context, bucket, key string) error {
	_, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := cloud.MapAWSError(err, "object", bucket+"/"+key)
		if api.IsNotFound(mapped) {
			return nil
		}
		return mapped
	}
	u.logger.Info().Str("bucket", bucket).Str("key", key).Msg("artifact deleted")
	return nil
}

// URI formats an s3:// URI.
func URI(bucket, key string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}

// ParseURI splits an s3:// URI into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri %q needs a bucket and a key", uri)
	}
	return bucket, key, nil
}

// fileSHA256 hashes f from the start and rewinds it.
func fileSHA256(f *os.File) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
