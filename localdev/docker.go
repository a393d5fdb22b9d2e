package localdev

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
)

// DockerAPI is the subset of the docker client used to build and run the
// dashboard locally.
type DockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageTag(ctx context.Context, source, target string) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// NewDockerClient connects to dockerHost, or to the daemon named by the
// DOCKER_* environment when dockerHost is empty.
func NewDockerClient(dockerHost string) (*dockerclient.Client, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithAPIVersionNegotiation(),
	}
	if dockerHost != "" {
		opts = append(opts, dockerclient.WithHost(dockerHost))
	} else {
		opts = append(opts, dockerclient.FromEnv)
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// Builder builds, tags and runs the dashboard image.
type Builder struct {
	docker DockerAPI
	// Output receives build progress. Defaults to io.Discard.
	Output io.Writer
	logger zerolog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(docker DockerAPI, logger zerolog.Logger) *Builder {
	return &Builder{docker: docker, Output: io.Discard, logger: logger}
}

// Build builds contextDir (which must contain a Dockerfile) and tags the
// result as tag.
func (b *Builder) Build(ctx context.Context, contextDir, tag string) error {
	if tag == "" {
		return &api.InvalidParameterError{Message: "image tag is required"}
	}
	if _, err := os.Stat(filepath.Join(contextDir, "Dockerfile")); err != nil {
		return &api.InvalidParameterError{Message: fmt.Sprintf("no Dockerfile in %s", contextDir)}
	}

	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archive build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := b.docker.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{"smdash-managed": "true"},
	})
	if err != nil {
		return mapDockerError(err, "image", tag)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, b.Output, 0, false, nil); err != nil {
		return fmt.Errorf("build %s: %w", tag, err)
	}
	b.logger.Info().Str("image", tag).Str("context", contextDir).Msg("image built")
	return nil
}

// Tag adds target as a name for source.
func (b *Builder) Tag(ctx context.Context, source, target string) error {
	if err := b.docker.ImageTag(ctx, source, target); err != nil {
		return mapDockerError(err, "image", source)
	}
	return nil
}

// Run starts a container for opts and returns its ID. The container is
// removed by the daemon when it stops.
func (b *Builder) Run(ctx context.Context, opts RunOptions) (string, error) {
	o, err := opts.normalize()
	if err != nil {
		return "", err
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(o.ContainerPort))
	if err != nil {
		return "", &api.InvalidParameterError{Message: err.Error()}
	}
	config := &container.Config{
		Image:        o.Image,
		Env:          o.envList(),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{"smdash-managed": "true"},
	}
	hostConfig := &container.HostConfig{
		AutoRemove: true,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostPort: strconv.Itoa(o.HostPort)}},
		},
	}
	if o.LocalDir != "" {
		hostConfig.Binds = []string{o.LocalDir + ":" + o.MountPath}
	}

	resp, err := b.docker.ContainerCreate(ctx, config, hostConfig, nil, (*ocispec.Platform)(nil), o.Name)
	if err != nil {
		return "", mapDockerError(err, "container", o.Name)
	}
	for _, w := range resp.Warnings {
		b.logger.Warn().Str("container", o.Name).Msg(w)
	}
	if err := b.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// AutoRemove only applies to started containers; a created one keeps
		// the name until it is removed.
		if rmErr := b.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			b.logger.Warn().Err(rmErr).Str("container", o.Name).Msg("could not remove container that failed to start")
		}
		return "", mapDockerError(err, "container", o.Name)
	}
	b.logger.Info().Str("container", o.Name).Str("id", shortContainerID(resp.ID)).Str("image", o.Image).
		Int("port", o.HostPort).Msg("container started")
	return resp.ID, nil
}

// Stop stops and removes the container. A container that is already gone
// is not an error.
func (b *Builder) Stop(ctx context.Context, id string) error {
	timeout := 10
	err := b.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if mapped := mapDockerError(err, "container", id); !api.IsNotFound(mapped) {
			return mapped
		}
		return nil
	}
	err = b.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil {
		// AutoRemove may already have taken it, or removal is in progress.
		if mapped := mapDockerError(err, "container", id); !api.IsNotFound(mapped) && !api.IsConflict(mapped) {
			return mapped
		}
	}
	b.logger.Info().Str("container", id).Msg("container stopped")
	return nil
}

func shortContainerID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// mapDockerError converts a docker daemon error into a typed error.
func mapDockerError(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	if strings.Contains(msg, "No such") || strings.Contains(msg, "not found") {
		return &api.NotFoundError{Resource: resource, ID: id}
	}
	if strings.Contains(msg, "is already") || strings.Contains(msg, "Conflict") || strings.Contains(msg, "conflict") {
		return &api.ConflictError{Message: msg}
	}

	var dockerErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(msg), &dockerErr) == nil && dockerErr.Message != "" {
		msg = dockerErr.Message
	}
	return fmt.Errorf("%s %s: %s", resource, id, msg)
}
