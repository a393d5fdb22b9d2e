package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/config"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/endpoint"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/hub"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/localdev"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/state"
)

// calls is shared by every fake so tests can assert ordering.
type calls []string

func (c *calls) add(s string) { *c = append(*c, s) }

type fakeFetcher struct {
	log  *calls
	snap hub.Snapshot
}

func (f *fakeFetcher) Fetch(ctx context.Context, modelID, revision string) (hub.Snapshot, error) {
	f.log.add("fetch " + modelID + "@" + revision)
	return f.snap, nil
}

type fakeStore struct {
	log      *calls
	uploaded string
}

func (f *fakeStore) Upload(ctx context.Context, bucket, key, path string) (string, error) {
	f.log.add("upload s3://" + bucket + "/" + key)
	f.uploaded = path
	return "s3://" + bucket + "/" + key, nil
}

func (f *fakeStore) Delete(ctx context.Context, bucket, key string) error {
	f.log.add("delete-object s3://" + bucket + "/" + key)
	return nil
}

type fakeDeployer struct {
	log       *calls
	spec      endpoint.Spec
	deployErr error
	deleteErr error
}

func (f *fakeDeployer) Deploy(ctx context.Context, spec endpoint.Spec) (endpoint.Deployment, error) {
	f.log.add("deploy " + spec.EndpointName)
	f.spec = spec
	return endpoint.Deployment{
		EndpointName: spec.EndpointName,
		ModelName:    spec.EndpointName + "-abcd1234",
		ConfigName:   spec.EndpointName + "-config-abcd1234",
	}, f.deployErr
}

func (f *fakeDeployer) DeleteEndpoint(ctx context.Context, name string) error {
	f.log.add("delete-endpoint " + name)
	return f.deleteErr
}

func (f *fakeDeployer) DeleteEndpointConfig(ctx context.Context, name string) error {
	f.log.add("delete-endpoint-config " + name)
	return nil
}

func (f *fakeDeployer) DeleteModel(ctx context.Context, name string) error {
	f.log.add("delete-model " + name)
	return nil
}

type fakeBuilder struct {
	log     *calls
	runOpts localdev.RunOptions
}

func (f *fakeBuilder) Build(ctx context.Context, contextDir, tag string) error {
	f.log.add("build " + tag)
	return nil
}

func (f *fakeBuilder) Run(ctx context.Context, opts localdev.RunOptions) (string, error) {
	f.log.add("run " + opts.Image)
	f.runOpts = opts
	return "c0ffee", nil
}

func (f *fakeBuilder) Stop(ctx context.Context, id string) error {
	f.log.add("stop " + id)
	return nil
}

type fakePusher struct {
	log *calls
}

func (f *fakePusher) Push(ctx context.Context, localImage, imageURI string) (string, error) {
	f.log.add("push " + imageURI)
	return "sha256:feed", nil
}

func (f *fakePusher) DeleteImage(ctx context.Context, repo, tag string) error {
	f.log.add("delete-image " + repo + ":" + tag)
	return nil
}

type fakeScaler struct {
	log     *calls
	desired int32
	waitErr error
}

func (f *fakeScaler) Update(ctx context.Context, cluster, service string, desired int32) error {
	f.log.add("scale " + cluster + "/" + service + " " + strconv.Itoa(int(desired)))
	f.desired = desired
	return nil
}

func (f *fakeScaler) WaitStable(ctx context.Context, cluster, service string) (api.ServiceStatus, error) {
	st := api.ServiceStatus{Cluster: cluster, Service: service, DesiredCount: f.desired}
	if f.waitErr != nil {
		return st, f.waitErr
	}
	st.RunningCount = f.desired
	return st, nil
}

func (f *fakeScaler) Scale(ctx context.Context, cluster, service string, desired int32) (api.ServiceStatus, error) {
	if err := f.Update(ctx, cluster, service, desired); err != nil {
		return api.ServiceStatus{}, err
	}
	return f.WaitStable(ctx, cluster, service)
}

type fixture struct {
	log      *calls
	cfg      config.Config
	ledger   *state.Ledger
	store    *fakeStore
	deployer *fakeDeployer
	builder  *fakeBuilder
	scaler   *fakeScaler
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snap")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	snap := hub.Snapshot{ModelID: "gpt2", Revision: "main", Dir: snapDir}
	for name, body := range map[string]string{
		"config.json":       `{"model_type":"gpt2"}`,
		"tokenizer.json":    `{}`,
		"model.safetensors": "weights",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(snapDir, name), []byte(body), 0o644))
		snap.Files = append(snap.Files, name)
	}

	cfg := config.Config{
		Region:         "us-east-1",
		AccountID:      "123456789012",
		ModelID:        "gpt2",
		ModelRevision:  "main",
		CacheDir:       filepath.Join(dir, "cache"),
		Bucket:         "models",
		ArtifactPrefix: "smdash/models",
		EndpointName:   "smdash-text-generation",
		RoleARN:        "arn:aws:iam::123456789012:role/sagemaker",
		InstanceType:   "ml.g4dn.xlarge",
		InstanceCount:  1,
		Repository:     "smdash-dashboard",
		ImageTag:       "latest",
		DashboardDir:   "dashboard",
		DashboardPort:  8501,
		Cluster:        "smdash",
		Service:        "dashboard",
	}

	log := &calls{}
	f := &fixture{
		log:      log,
		cfg:      cfg,
		ledger:   state.NewLedger(filepath.Join(dir, "state.json")),
		store:    &fakeStore{log: log},
		deployer: &fakeDeployer{log: log},
		builder:  &fakeBuilder{log: log},
		scaler:   &fakeScaler{log: log},
	}
	f.runner = NewRunner(cfg, Components{
		Fetcher:  &fakeFetcher{log: log, snap: snap},
		Store:    f.store,
		Deployer: f.deployer,
		Builder:  f.builder,
		Pusher:   &fakePusher{log: log},
		Scaler:   f.scaler,
	}, f.ledger, zerolog.Nop())
	return f
}

func TestUpRunsAllSteps(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Up(context.Background(), UpOptions{RunLocal: true, Push: true, DesiredCount: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"fetch gpt2@main",
		"upload s3://models/smdash/models/model.tar.gz",
		"deploy smdash-text-generation",
		"build smdash-dashboard:latest",
		"run smdash-dashboard:latest",
		"push 123456789012.dkr.ecr.us-east-1.amazonaws.com/smdash-dashboard:latest",
		"scale smdash/dashboard 1",
	}, []string(*f.log))

	assert.Equal(t, "s3://models/smdash/models/model.tar.gz", res.ArtifactURI)
	assert.Equal(t, "s3://models/smdash/models/model.tar.gz", f.deployer.spec.ModelDataURL)
	assert.Equal(t, "http://localhost:8501/", res.DashboardURL)
	assert.Equal(t, "sha256:feed", res.ImageDigest)
	assert.NotEmpty(t, res.Manifest.SHA256)
	assert.FileExists(t, f.store.uploaded)
	assert.Equal(t, "smdash-text-generation", f.builder.runOpts.Env["ENDPOINT_NAME"])

	active := f.ledger.ListActive()
	require.Len(t, active, 7)
	assert.Equal(t, state.KindServiceScale, active[0].Kind)
	assert.Equal(t, state.KindArtifact, active[6].Kind)
	for _, e := range active {
		assert.Equal(t, res.RunID, e.RunID)
	}
}

func TestUpMinimalSkipsDashboard(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.Up(context.Background(), UpOptions{})
	require.NoError(t, err)
	assert.Len(t, *f.log, 3)
	assert.Len(t, f.ledger.ListActive(), 4)
}

func TestUpStopsAtFailedDeploy(t *testing.T) {
	f := newFixture(t)
	f.deployer.deployErr = errors.New("endpoint smdash-text-generation Failed: bad image")

	_, err := f.runner.Up(context.Background(), UpOptions{Push: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deploy:")
	assert.NotContains(t, *f.log, "push 123456789012.dkr.ecr.us-east-1.amazonaws.com/smdash-dashboard:latest")

	// What was created so far is persisted for teardown.
	reloaded := state.NewLedger(f.ledger.Path())
	require.NoError(t, reloaded.Load())
	assert.Len(t, reloaded.ListActive(), 4)
}

func TestUpMissingComponent(t *testing.T) {
	f := newFixture(t)
	r := NewRunner(f.cfg, Components{}, f.ledger, zerolog.Nop())
	_, err := r.Up(context.Background(), UpOptions{})
	assert.ErrorContains(t, err, "fetch: no model hub client configured")
}

func TestDownReversesCreationOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Up(context.Background(), UpOptions{RunLocal: true, Push: true, DesiredCount: 1})
	require.NoError(t, err)
	*f.log = nil

	require.NoError(t, f.runner.Down(context.Background()))
	assert.Equal(t, []string{
		"scale smdash/dashboard 0",
		"delete-image smdash-dashboard:latest",
		"stop c0ffee",
		"delete-endpoint smdash-text-generation",
		"delete-endpoint-config smdash-text-generation-config-abcd1234",
		"delete-model smdash-text-generation-abcd1234",
		"delete-object s3://models/smdash/models/model.tar.gz",
	}, []string(*f.log))
	assert.Empty(t, f.ledger.ListActive())

	// A second teardown has nothing left to do.
	*f.log = nil
	require.NoError(t, f.runner.Down(context.Background()))
	assert.Empty(t, *f.log)
}

func TestDownContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Up(context.Background(), UpOptions{})
	require.NoError(t, err)
	f.deployer.deleteErr = errors.New("throttled")

	err = f.runner.Down(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
	assert.Contains(t, *f.log, "delete-object s3://models/smdash/models/model.tar.gz")

	active := f.ledger.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, state.KindEndpoint, active[0].Kind)
}

func TestUpRecordsScaleBeforeWait(t *testing.T) {
	f := newFixture(t)
	f.scaler.waitErr = errors.New("timeout waiting for service dashboard to stabilize")

	_, err := f.runner.Up(context.Background(), UpOptions{DesiredCount: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scale:")

	active := f.ledger.ListActive()
	require.NotEmpty(t, active)
	assert.Equal(t, state.KindServiceScale, active[0].Kind)
	assert.Equal(t, "smdash/dashboard", active[0].ID)

	*f.log = nil
	require.NoError(t, f.runner.Down(context.Background()))
	require.NotEmpty(t, *f.log)
	assert.Equal(t, "scale smdash/dashboard 0", (*f.log)[0])
}

func TestUpRecordsContainerBeforeURL(t *testing.T) {
	f := newFixture(t)
	cfg := f.cfg
	cfg.DashboardURL = "not a url"
	r := NewRunner(cfg, f.runner.c, f.ledger, zerolog.Nop())

	_, err := r.Up(context.Background(), UpOptions{RunLocal: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-local:")

	active := f.ledger.ListActive()
	require.NotEmpty(t, active)
	assert.Equal(t, state.KindContainer, active[0].Kind)
	assert.Equal(t, "c0ffee", active[0].ID)
}
