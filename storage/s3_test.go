package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
)

// fakeS3 keeps objects in memory. Multipart parts are held per upload id
// until CompleteMultipartUpload joins them in part order.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	meta    map[string]map[string]string
	uploads map[string]*fakeUpload
	puts    int
}

type fakeUpload struct {
	key   string
	meta  map[string]string
	parts map[int32][]byte
}

func newFakeS3(buckets ...string) *fakeS3 {
	f := &fakeS3{
		buckets: map[string]bool{},
		objects: map[string][]byte{},
		meta:    map[string]map[string]string{},
		uploads: map[string]*fakeUpload{},
	}
	for _, b := range buckets {
		f.buckets[b] = true
	}
	return f
}

func objectKey(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.buckets[aws.ToString(params.Bucket)] {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := objectKey(params.Bucket, params.Key)
	f.objects[k] = data
	f.meta[k] = params.Metadata
	f.puts++
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("upload-%d", len(f.uploads)+1)
	f.uploads[id] = &fakeUpload{key: objectKey(params.Bucket, params.Key), meta: params.Metadata, parts: map[int32][]byte{}}
	return &s3.CreateMultipartUploadOutput{Bucket: params.Bucket, Key: params.Key, UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "The specified upload does not exist."}
	}
	n := aws.ToInt32(params.PartNumber)
	up.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"part-%d"`, n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.UploadId)
	up, ok := f.uploads[id]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "The specified upload does not exist."}
	}
	parts := params.MultipartUpload.Parts
	sort.Slice(parts, func(i, j int) bool { return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber) })
	var data []byte
	for _, p := range parts {
		data = append(data, up.parts[aws.ToInt32(p.PartNumber)]...)
	}
	f.objects[up.key] = data
	f.meta[up.key] = up.meta
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{Bucket: params.Bucket, Key: params.Key}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := objectKey(params.Bucket, params.Key)
	if _, ok := f.objects[k]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist."}
	}
	delete(f.objects, k)
	return &s3.DeleteObjectOutput{}, nil
}

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestUpload(t *testing.T) {
	f := newFakeS3("models")
	u := NewUploader(f, zerolog.Nop())

	uri, err := u.Upload(context.Background(), "models", "smdash/model.tar.gz", writeTemp(t, "archive-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "s3://models/smdash/model.tar.gz", uri)
	assert.Equal(t, []byte("archive-bytes"), f.objects["models/smdash/model.tar.gz"])
	assert.Len(t, f.meta["models/smdash/model.tar.gz"]["sha256"], 64)
	assert.Equal(t, 1, f.puts)
}

func TestUploadLargeArchiveInParts(t *testing.T) {
	f := newFakeS3("models")
	u := NewUploader(f, zerolog.Nop())
	u.PartSize = manager.MinUploadPartSize

	body := bytes.Repeat([]byte("0123456789abcdef"), int(manager.MinUploadPartSize)/16*2+100)
	path := filepath.Join(t.TempDir(), "model.tar.gz")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	uri, err := u.Upload(context.Background(), "models", "smdash/model.tar.gz", path)
	require.NoError(t, err)
	assert.Equal(t, "s3://models/smdash/model.tar.gz", uri)
	assert.Zero(t, f.puts)
	assert.Empty(t, f.uploads)
	assert.True(t, bytes.Equal(body, f.objects["models/smdash/model.tar.gz"]))
	assert.Len(t, f.meta["models/smdash/model.tar.gz"]["sha256"], 64)
}

func TestUploadMissingBucket(t *testing.T) {
	u := NewUploader(newFakeS3(), zerolog.Nop())
	_, err := u.Upload(context.Background(), "nope", "k", writeTemp(t, "x"))
	assert.True(t, api.IsNotFound(err))
}

func TestUploadRequiresBucketAndKey(t *testing.T) {
	u := NewUploader(newFakeS3("models"), zerolog.Nop())
	_, err := u.Upload(context.Background(), "", "k", "unused")
	assert.Error(t, err)
}

func TestDeleteIgnoresMissing(t *testing.T) {
	f := newFakeS3("models")
	u := NewUploader(f, zerolog.Nop())
	_, err := u.Upload(context.Background(), "models", "k", writeTemp(t, "x"))
	require.NoError(t, err)

	require.NoError(t, u.Delete(context.Background(), "models", "k"))
	assert.Empty(t, f.objects)
	require.NoError(t, u.Delete(context.Background(), "models", "k"))
}

func TestParseURI(t *testing.T) {
	b, k, err := ParseURI("s3://models/a/b/model.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "models", b)
	assert.Equal(t, "a/b/model.tar.gz", k)

	for _, bad := range []string{"https://x/y", "s3://bucket", "s3:///key"} {
		_, _, err := ParseURI(bad)
		assert.Error(t, err, bad)
	}
}
