package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/smithy-go"
	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryHost = "123456789012.dkr.ecr.us-east-1.amazonaws.com"

type fakeECR struct {
	repos    map[string]bool
	created  []string
	deleted  []string
	failures []ecrtypes.ImageFailure
}

func (f *fakeECR) DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	name := params.RepositoryNames[0]
	if !f.repos[name] {
		return nil, &smithy.GenericAPIError{Code: "RepositoryNotFoundException", Message: "The repository with name '" + name + "' does not exist"}
	}
	return &ecr.DescribeRepositoriesOutput{Repositories: []ecrtypes.Repository{{
		RepositoryName: aws.String(name),
		RepositoryUri:  aws.String(registryHost + "/" + name),
	}}}, nil
}

func (f *fakeECR) CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error) {
	name := aws.ToString(params.RepositoryName)
	f.repos[name] = true
	f.created = append(f.created, name)
	return &ecr.CreateRepositoryOutput{Repository: &ecrtypes.Repository{
		RepositoryName: aws.String(name),
		RepositoryUri:  aws.String(registryHost + "/" + name),
	}}, nil
}

func (f *fakeECR) GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	token := base64.StdEncoding.EncodeToString([]byte("AWS:s3cret"))
	return &ecr.GetAuthorizationTokenOutput{AuthorizationData: []ecrtypes.AuthorizationData{{
		AuthorizationToken: aws.String(token),
		ProxyEndpoint:      aws.String("https://" + registryHost),
	}}}, nil
}

func (f *fakeECR) BatchDeleteImage(ctx context.Context, params *ecr.BatchDeleteImageInput, optFns ...func(*ecr.Options)) (*ecr.BatchDeleteImageOutput, error) {
	name := aws.ToString(params.RepositoryName)
	if !f.repos[name] {
		return nil, &smithy.GenericAPIError{Code: "RepositoryNotFoundException", Message: "repository missing"}
	}
	f.deleted = append(f.deleted, name+":"+aws.ToString(params.ImageIds[0].ImageTag))
	return &ecr.BatchDeleteImageOutput{Failures: f.failures}, nil
}

type fakeDocker struct {
	tags   []string
	pushed string
	auth   string
	stream string
}

func (f *fakeDocker) ImageTag(ctx context.Context, source, target string) error {
	f.tags = append(f.tags, source+"->"+target)
	return nil
}

func (f *fakeDocker) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	f.pushed = ref
	f.auth = options.RegistryAuth
	return io.NopCloser(bytes.NewBufferString(f.stream)), nil
}

const pushStream = `{"status":"The push refers to repository [` + registryHost + `/smdash-dashboard]"}
{"status":"Pushed","progressDetail":{},"id":"5f70bf18a086"}
{"status":"latest: digest: sha256:deadbeef size: 1573"}
{"progressDetail":{},"aux":{"Tag":"latest","Digest":"sha256:deadbeef","Size":1573}}
`

func TestPushCreatesRepository(t *testing.T) {
	fe := &fakeECR{repos: map[string]bool{}}
	fd := &fakeDocker{stream: pushStream}
	p := NewPusher(fe, fd, zerolog.Nop())

	uri := registryHost + "/smdash-dashboard:latest"
	digest, err := p.Push(context.Background(), "smdash-dashboard:latest", uri)
	require.NoError(t, err)

	assert.Equal(t, "sha256:deadbeef", digest)
	assert.Equal(t, []string{"smdash-dashboard"}, fe.created)
	assert.Equal(t, []string{"smdash-dashboard:latest->" + uri}, fd.tags)
	assert.Equal(t, uri, fd.pushed)

	auth, err := dockerregistry.DecodeAuthConfig(fd.auth)
	require.NoError(t, err)
	assert.Equal(t, "AWS", auth.Username)
	assert.Equal(t, "s3cret", auth.Password)
	assert.Equal(t, "https://"+registryHost, auth.ServerAddress)
}

func TestPushExistingRepository(t *testing.T) {
	fe := &fakeECR{repos: map[string]bool{"smdash-dashboard": true}}
	p := NewPusher(fe, &fakeDocker{stream: pushStream}, zerolog.Nop())

	_, err := p.Push(context.Background(), "smdash-dashboard:v2", registryHost+"/smdash-dashboard:v2")
	require.NoError(t, err)
	assert.Empty(t, fe.created)
}

func TestPushStreamError(t *testing.T) {
	fe := &fakeECR{repos: map[string]bool{"smdash-dashboard": true}}
	fd := &fakeDocker{stream: `{"errorDetail":{"message":"denied: not authorized"},"error":"denied: not authorized"}` + "\n"}
	p := NewPusher(fe, fd, zerolog.Nop())

	_, err := p.Push(context.Background(), "img", registryHost+"/smdash-dashboard:latest")
	assert.ErrorContains(t, err, "denied")
}

func TestDeleteImage(t *testing.T) {
	fe := &fakeECR{repos: map[string]bool{"smdash-dashboard": true}}
	p := NewPusher(fe, &fakeDocker{}, zerolog.Nop())

	require.NoError(t, p.DeleteImage(context.Background(), "smdash-dashboard", "latest"))
	assert.Equal(t, []string{"smdash-dashboard:latest"}, fe.deleted)

	// Missing repository and missing image both count as deleted.
	require.NoError(t, p.DeleteImage(context.Background(), "gone", "latest"))
	fe.failures = []ecrtypes.ImageFailure{{FailureCode: ecrtypes.ImageFailureCodeImageNotFound}}
	require.NoError(t, p.DeleteImage(context.Background(), "smdash-dashboard", "old"))

	fe.failures = []ecrtypes.ImageFailure{{FailureCode: ecrtypes.ImageFailureCodeKmsError, FailureReason: aws.String("kms")}}
	assert.Error(t, p.DeleteImage(context.Background(), "smdash-dashboard", "latest"))
}

func TestParseImageRef(t *testing.T) {
	tests := []struct {
		input    string
		registry string
		repo     string
		tag      string
	}{
		{"alpine", "registry-1.docker.io", "library/alpine", "latest"},
		{"myuser/myimage:v1", "registry-1.docker.io", "myuser/myimage", "v1"},
		{"docker.io/library/alpine:3.19", "registry-1.docker.io", "library/alpine", "3.19"},
		{"localhost:5000/myimage:test", "localhost:5000", "myimage", "test"},
		{registryHost + "/smdash-dashboard:latest", registryHost, "smdash-dashboard", "latest"},
		{registryHost + "/team/dashboard@sha256:abc", registryHost, "team/dashboard", "latest"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			registry, repo, tag := ParseImageRef(tt.input)
			assert.Equal(t, tt.registry, registry)
			assert.Equal(t, tt.repo, repo)
			assert.Equal(t, tt.tag, tag)
		})
	}
}
