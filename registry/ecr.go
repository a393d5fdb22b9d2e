// Package registry pushes the dashboard image to a private container registry.
package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/rs/zerolog"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/cloud"
)

// ECRAPI is the subset of the ECR client used by the Pusher.
type ECRAPI interface {
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	BatchDeleteImage(ctx context.Context, params *ecr.BatchDeleteImageInput, optFns ...func(*ecr.Options)) (*ecr.BatchDeleteImageOutput, error)
}

// DockerAPI is the subset of the docker client used to tag and push.
type DockerAPI interface {
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
}

// Pusher tags a local image with its registry name and pushes it.
type Pusher struct {
	ecr    ECRAPI
	docker DockerAPI
	// Output receives push progress. Defaults to io.Discard.
	Output io.Writer
	logger zerolog.Logger
}

// NewPusher creates a Pusher.
func NewPusher(ecrClient ECRAPI, docker DockerAPI, logger zerolog.Logger) *Pusher {
	return &Pusher{ecr: ecrClient, docker: docker, Output: io.Discard, logger: logger}
}

// EnsureRepository returns the URI of the named repository, creating it if
// it does not exist.
func (p *Pusher) EnsureRepository(ctx context.Context, name string) (string, error) {
	out, err := p.ecr.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err == nil && len(out.Repositories) > 0 {
		return aws.ToString(out.Repositories[0].RepositoryUri), nil
	}
	if err != nil {
		if mapped := cloud.MapAWSError(err, "repository", name); !api.IsNotFound(mapped) {
			return "", mapped
		}
	}

	created, err := p.ecr.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: true,
		},
		Tags: []ecrtypes.Tag{{Key: aws.String("smdash-managed"), Value: aws.String("true")}},
	})
	if err != nil {
		return "", cloud.MapAWSError(err, "repository", name)
	}
	p.logger.Info().Str("repository", name).Msg("repository created")
	return aws.ToString(created.Repository.RepositoryUri), nil
}

// Auth exchanges an ECR authorization token for registry credentials.
func (p *Pusher) Auth(ctx context.Context) (dockerregistry.AuthConfig, error) {
	result, err := p.ecr.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return dockerregistry.AuthConfig{}, cloud.MapAWSError(err, "authorization token", "ecr")
	}
	if len(result.AuthorizationData) == 0 {
		return dockerregistry.AuthConfig{}, fmt.Errorf("no authorization data returned")
	}
	data := result.AuthorizationData[0]

	// Token is base64-encoded "user:password"
	raw, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return dockerregistry.AuthConfig{}, fmt.Errorf("decode authorization token: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return dockerregistry.AuthConfig{}, fmt.Errorf("malformed authorization token")
	}
	return dockerregistry.AuthConfig{
		Username:      user,
		Password:      pass,
		ServerAddress: aws.ToString(data.ProxyEndpoint),
	}, nil
}

// Push makes sure the target repository exists, tags localImage as
// imageURI and pushes it. It returns the pushed manifest digest.
func (p *Pusher) Push(ctx context.Context, localImage, imageURI string) (string, error) {
	_, repo, tag := ParseImageRef(imageURI)
	if _, err := p.EnsureRepository(ctx, repo); err != nil {
		return "", err
	}

	auth, err := p.Auth(ctx)
	if err != nil {
		return "", err
	}
	encoded, err := dockerregistry.EncodeAuthConfig(auth)
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}

	if err := p.docker.ImageTag(ctx, localImage, imageURI); err != nil {
		return "", fmt.Errorf("tag %s as %s: %w", localImage, imageURI, err)
	}

	rc, err := p.docker.ImagePush(ctx, imageURI, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return "", fmt.Errorf("push %s: %w", imageURI, err)
	}
	defer rc.Close()

	var digest string
	aux := func(jm jsonmessage.JSONMessage) {
		if jm.Aux == nil {
			return
		}
		var result struct {
			Tag    string `json:"Tag"`
			Digest string `json:"Digest"`
		}
		if json.Unmarshal(*jm.Aux, &result) == nil && result.Digest != "" {
			digest = result.Digest
		}
	}
	if err := jsonmessage.DisplayJSONMessagesStream(rc, p.Output, 0, false, aux); err != nil {
		return "", fmt.Errorf("push %s: %w", imageURI, err)
	}

	p.logger.Info().Str("image", imageURI).Str("tag", tag).Str("digest", digest).Msg("image pushed")
	return digest, nil
}

// DeleteImage removes repo:tag from the registry. A missing image or
// repository is not an error.
func (p *Pusher) DeleteImage(ctx context.Context, repo, tag string) error {
	out, err := p.ecr.BatchDeleteImage(ctx, &ecr.BatchDeleteImageInput{
		RepositoryName: aws.String(repo),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		mapped := cloud.MapAWSError(err, "repository", repo)
		if api.IsNotFound(mapped) {
			return nil
		}
		return mapped
	}
	for _, f := range out.Failures {
		if f.FailureCode == ecrtypes.ImageFailureCodeImageNotFound || f.FailureCode == ecrtypes.ImageFailureCodeImageTagDoesNotMatchDigest {
			continue
		}
		return fmt.Errorf("delete image %s:%s: %s: %s", repo, tag, f.FailureCode, aws.ToString(f.FailureReason))
	}
	p.logger.Info().Str("repository", repo).Str("tag", tag).Msg("image deleted")
	return nil
}

// ParseImageRef splits an image reference into registry, repository, and tag.
func ParseImageRef(ref string) (registry, repo, tag string) {
	// Remove digest if present
	if at := strings.Index(ref, "@"); at >= 0 {
		ref = ref[:at]
	}

	// Only a colon after the last slash separates the tag, so
	// localhost:5000/image keeps its port.
	tag = "latest"
	lastSlash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref[lastSlash+1:], ":"); colon >= 0 {
		pos := lastSlash + 1 + colon
		tag = ref[pos+1:]
		ref = ref[:pos]
	}

	registry = "registry-1.docker.io"
	repo = ref
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 2 && (strings.Contains(parts[0], ".") || strings.Contains(parts[0], ":")) {
		registry = parts[0]
		repo = parts[1]
		if registry == "docker.io" {
			registry = "registry-1.docker.io"
		}
	} else if len(parts) == 1 {
		repo = "library/" + ref
	}
	return registry, repo, tag
}
