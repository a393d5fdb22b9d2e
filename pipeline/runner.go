// Package pipeline runs the deployment steps in order and tears down what
// they created.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/artifact"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/config"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/endpoint"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/hub"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/localdev"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/registry"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/state"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/storage"
)

// Fetcher downloads a model snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, modelID, revision string) (hub.Snapshot, error)
}

// ArtifactStore uploads and deletes the model archive.
type ArtifactStore interface {
	Upload(ctx context.Context, bucket, key, path string) (string, error)
	Delete(ctx context.Context, bucket, key string) error
}

// EndpointDeployer creates and deletes hosted endpoints.
type EndpointDeployer interface {
	Deploy(ctx context.Context, spec endpoint.Spec) (endpoint.Deployment, error)
	DeleteEndpoint(ctx context.Context, name string) error
	DeleteEndpointConfig(ctx context.Context, name string) error
	DeleteModel(ctx context.Context, name string) error
}

// ImageBuilder builds and runs the dashboard image locally.
type ImageBuilder interface {
	Build(ctx context.Context, contextDir, tag string) error
	Run(ctx context.Context, opts localdev.RunOptions) (string, error)
	Stop(ctx context.Context, id string) error
}

// ImagePusher pushes and deletes registry images.
type ImagePusher interface {
	Push(ctx context.Context, localImage, imageURI string) (string, error)
	DeleteImage(ctx context.Context, repo, tag string) error
}

// ServiceScaler changes a container service's desired count. Update only
// sets the count; WaitStable waits for it; Scale does both.
type ServiceScaler interface {
	Update(ctx context.Context, cluster, service string, desired int32) error
	WaitStable(ctx context.Context, cluster, service string) (api.ServiceStatus, error)
	Scale(ctx context.Context, cluster, service string, desired int32) (api.ServiceStatus, error)
}

// Components are the collaborators the Runner drives. A nil component
// fails only the steps that need it.
type Components struct {
	Fetcher  Fetcher
	Store    ArtifactStore
	Deployer EndpointDeployer
	Builder  ImageBuilder
	Pusher   ImagePusher
	Scaler   ServiceScaler
}

// UpOptions selects the optional parts of Up.
type UpOptions struct {
	EntryPoint  []byte // nil uses the bundled entry point
	ArchivePath string // defaults to <cache>/<model>-<revision>.tar.gz
	Replace     bool   // update an existing endpoint in place

	BuildDashboard bool
	RunLocal       bool
	Debug          bool
	Push           bool
	DesiredCount   int32 // scale the service when > 0
}

// Result summarizes what Up produced.
type Result struct {
	RunID        string
	Snapshot     hub.Snapshot
	Manifest     artifact.Manifest
	ArtifactURI  string
	Deployment   endpoint.Deployment
	ContainerID  string
	DashboardURL string
	ImageURI     string
	ImageDigest  string
	Service      api.ServiceStatus
}

// Runner sequences the deployment steps and records every created resource
// in the ledger.
type Runner struct {
	cfg    config.Config
	c      Components
	ledger *state.Ledger
	logger zerolog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg config.Config, c Components, ledger *state.Ledger, logger zerolog.Logger) *Runner {
	return &Runner{cfg: cfg, c: c, ledger: ledger, logger: logger}
}

// Up runs fetch, package, upload and deploy, then the dashboard steps
// selected by opts. It stops at the first failing step; resources created
// before the failure stay in the ledger for Down.
func (r *Runner) Up(ctx context.Context, opts UpOptions) (Result, error) {
	res := Result{RunID: uuid.NewString()}
	log := r.logger.With().Str("run", res.RunID).Logger()
	register := func(kind state.Kind, id string, attrs map[string]string) error {
		return r.ledger.Register(state.Entry{Kind: kind, ID: id, RunID: res.RunID, Attributes: attrs})
	}

	err := r.step(ctx, log, "fetch", func(ctx context.Context) error {
		if r.c.Fetcher == nil {
			return errMissing("model hub client")
		}
		snap, err := r.c.Fetcher.Fetch(ctx, r.cfg.ModelID, r.cfg.ModelRevision)
		res.Snapshot = snap
		return err
	})
	if err != nil {
		return res, err
	}

	archivePath := opts.ArchivePath
	if archivePath == "" {
		archivePath = ArchivePath(r.cfg)
	}
	err = r.step(ctx, log, "package", func(ctx context.Context) error {
		m, err := artifact.PackageFile(res.Snapshot, opts.EntryPoint, archivePath)
		res.Manifest = m
		return err
	})
	if err != nil {
		return res, err
	}

	err = r.step(ctx, log, "upload", func(ctx context.Context) error {
		if r.c.Store == nil {
			return errMissing("object storage client")
		}
		uri, err := r.c.Store.Upload(ctx, r.cfg.Bucket, r.cfg.ArtifactKey(), archivePath)
		if err != nil {
			return err
		}
		res.ArtifactURI = uri
		return register(state.KindArtifact, uri, map[string]string{"sha256": res.Manifest.SHA256})
	})
	if err != nil {
		return res, err
	}

	err = r.step(ctx, log, "deploy", func(ctx context.Context) error {
		if r.c.Deployer == nil {
			return errMissing("endpoint deployer")
		}
		dep, deployErr := r.c.Deployer.Deploy(ctx, endpoint.Spec{
			EndpointName:  r.cfg.EndpointName,
			ModelDataURL:  res.ArtifactURI,
			Image:         r.cfg.InferenceImageURI(),
			RoleARN:       r.cfg.RoleARN,
			InstanceType:  r.cfg.InstanceType,
			InstanceCount: r.cfg.InstanceCount,
			Replace:       opts.Replace,
		})
		res.Deployment = dep
		// Partially created deployments are recorded too so Down can
		// remove them.
		var errs []error
		if dep.ModelName != "" {
			errs = append(errs, register(state.KindModel, dep.ModelName, nil))
		}
		if dep.ConfigName != "" {
			errs = append(errs, register(state.KindEndpointConfig, dep.ConfigName, nil))
			errs = append(errs, register(state.KindEndpoint, dep.EndpointName, map[string]string{"config": dep.ConfigName}))
		}
		return errors.Join(append([]error{deployErr}, errs...)...)
	})
	if err != nil {
		return res, err
	}

	if opts.BuildDashboard || opts.RunLocal {
		err = r.step(ctx, log, "build", func(ctx context.Context) error {
			if r.c.Builder == nil {
				return errMissing("docker client")
			}
			return r.c.Builder.Build(ctx, r.cfg.DashboardDir, r.cfg.LocalImage())
		})
		if err != nil {
			return res, err
		}
	}

	if opts.RunLocal {
		err = r.step(ctx, log, "run-local", func(ctx context.Context) error {
			id, err := r.c.Builder.Run(ctx, r.RunOptions(opts.Debug))
			if err != nil {
				return err
			}
			res.ContainerID = id
			if err := register(state.KindContainer, id, map[string]string{"image": r.cfg.LocalImage()}); err != nil {
				return err
			}
			res.DashboardURL, err = localdev.DashboardURL(r.cfg.DashboardURL, r.cfg.DashboardPort)
			return err
		})
		if err != nil {
			return res, err
		}
	}

	if opts.Push {
		err = r.step(ctx, log, "push", func(ctx context.Context) error {
			if r.c.Pusher == nil {
				return errMissing("registry client")
			}
			uri, err := r.cfg.ImageURI()
			if err != nil {
				return err
			}
			digest, err := r.c.Pusher.Push(ctx, r.cfg.LocalImage(), uri)
			if err != nil {
				return err
			}
			res.ImageURI, res.ImageDigest = uri, digest
			_, repo, tag := registry.ParseImageRef(uri)
			return register(state.KindImage, uri, map[string]string{"repository": repo, "tag": tag, "digest": digest})
		})
		if err != nil {
			return res, err
		}
	}

	if opts.DesiredCount > 0 {
		err = r.step(ctx, log, "scale", func(ctx context.Context) error {
			if r.c.Scaler == nil {
				return errMissing("container service client")
			}
			if err := r.c.Scaler.Update(ctx, r.cfg.Cluster, r.cfg.Service, opts.DesiredCount); err != nil {
				return err
			}
			// The service is scaling from here on, so it is recorded before
			// the wait can fail.
			if err := register(state.KindServiceScale, r.cfg.Cluster+"/"+r.cfg.Service,
				map[string]string{"cluster": r.cfg.Cluster, "service": r.cfg.Service}); err != nil {
				return err
			}
			st, err := r.c.Scaler.WaitStable(ctx, r.cfg.Cluster, r.cfg.Service)
			res.Service = st
			return err
		})
		if err != nil {
			return res, err
		}
	}

	log.Info().Str("endpoint", res.Deployment.EndpointName).Msg("deployment complete")
	return res, nil
}

// Down deletes every active ledger entry, newest first. Each deletion is
// attempted; successes are marked cleaned up and failures are joined.
func (r *Runner) Down(ctx context.Context) error {
	active := r.ledger.ListActive()
	if len(active) == 0 {
		r.logger.Info().Msg("nothing to tear down")
		return nil
	}

	var errs []error
	for _, e := range active {
		start := time.Now()
		if err := r.teardown(ctx, e); err != nil {
			r.logger.Error().Err(err).Str("kind", string(e.Kind)).Str("id", e.ID).Msg("teardown failed")
			errs = append(errs, fmt.Errorf("%s %s: %w", e.Kind, e.ID, err))
			continue
		}
		if err := r.ledger.MarkCleanedUp(e.Kind, e.ID); err != nil {
			errs = append(errs, err)
		}
		r.logger.Info().Str("kind", string(e.Kind)).Str("id", e.ID).Dur("dur", time.Since(start)).Msg("removed")
	}
	return errors.Join(errs...)
}

func (r *Runner) teardown(ctx context.Context, e state.Entry) error {
	switch e.Kind {
	case state.KindServiceScale:
		if r.c.Scaler == nil {
			return errMissing("container service client")
		}
		cluster, service := e.Attributes["cluster"], e.Attributes["service"]
		if cluster == "" || service == "" {
			cluster, service, _ = strings.Cut(e.ID, "/")
		}
		_, err := r.c.Scaler.Scale(ctx, cluster, service, 0)
		if api.IsNotFound(err) {
			return nil
		}
		return err
	case state.KindContainer:
		if r.c.Builder == nil {
			return errMissing("docker client")
		}
		return r.c.Builder.Stop(ctx, e.ID)
	case state.KindImage:
		if r.c.Pusher == nil {
			return errMissing("registry client")
		}
		repo, tag := e.Attributes["repository"], e.Attributes["tag"]
		if repo == "" {
			_, repo, tag = registry.ParseImageRef(e.ID)
		}
		return r.c.Pusher.DeleteImage(ctx, repo, tag)
	case state.KindEndpoint:
		if r.c.Deployer == nil {
			return errMissing("endpoint deployer")
		}
		return r.c.Deployer.DeleteEndpoint(ctx, e.ID)
	case state.KindEndpointConfig:
		if r.c.Deployer == nil {
			return errMissing("endpoint deployer")
		}
		return r.c.Deployer.DeleteEndpointConfig(ctx, e.ID)
	case state.KindModel:
		if r.c.Deployer == nil {
			return errMissing("endpoint deployer")
		}
		return r.c.Deployer.DeleteModel(ctx, e.ID)
	case state.KindArtifact:
		if r.c.Store == nil {
			return errMissing("object storage client")
		}
		bucket, key, err := storage.ParseURI(e.ID)
		if err != nil {
			return err
		}
		return r.c.Store.Delete(ctx, bucket, key)
	}
	return fmt.Errorf("unknown resource kind %q", e.Kind)
}

// RunOptions returns the local container settings derived from the config.
func (r *Runner) RunOptions(debug bool) localdev.RunOptions {
	return DashboardRunOptions(r.cfg, debug)
}

// DashboardRunOptions builds the local dashboard container settings for cfg.
func DashboardRunOptions(cfg config.Config, debug bool) localdev.RunOptions {
	return localdev.RunOptions{
		Image:    cfg.LocalImage(),
		HostPort: cfg.DashboardPort,
		LocalDir: cfg.DashboardDir,
		Env: map[string]string{
			"AWS_REGION":    cfg.Region,
			"ENDPOINT_NAME": cfg.EndpointName,
		},
		Debug: debug,
	}
}

// ArchivePath is where the packaged archive for cfg's model revision is
// written by default.
func ArchivePath(cfg config.Config) string {
	name := strings.ReplaceAll(cfg.ModelID, "/", "--") + "-" + cfg.ModelRevision + ".tar.gz"
	return filepath.Join(cfg.CacheDir, "archives", name)
}

func (r *Runner) step(ctx context.Context, log zerolog.Logger, name string, fn func(context.Context) error) error {
	start := time.Now()
	log.Info().Str("step", name).Msg("step started")
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Str("step", name).Dur("dur", time.Since(start)).Msg("step failed")
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Info().Str("step", name).Dur("dur", time.Since(start)).Msg("step finished")
	return nil
}

func errMissing(what string) error {
	return fmt.Errorf("no %s configured", what)
}
