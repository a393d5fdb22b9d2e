package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/cloud"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/config"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/endpoint"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/hub"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/localdev"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/pipeline"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/registry"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/service"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/state"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/storage"
)

var (
	// Version information (set at build time via ldflags)
	version = "dev"
	commit  = "none"
)

var (
	cfgFile  string
	logLevel string
)

// app holds the resolved config and lazily built clients for one invocation.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	clients *cloud.AWSClients
	docker  localdev.DockerAPI
	pushAPI registry.DockerAPI
}

var a = &app{logger: zerolog.Nop()}

var rootCmd = &cobra.Command{
	Use:   "smdash",
	Short: "Deploy a text-generation endpoint and its dashboard",
	Long: `smdash deploys a pre-trained language model as a hosted inference endpoint
and ships a dashboard container that talks to it.

The full workflow:
  - fetch the tokenizer and model from the model hub
  - package them with the inference code and upload the archive
  - deploy the hosted endpoint and wait until it is InService
  - build and run the dashboard container locally
  - push the dashboard image and scale the container service
  - tear everything down again

Every created resource is recorded in a local ledger so "smdash down"
can remove it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a.logger = newLogger(logLevel)
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		a.cfg = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("SMDASH_CONFIG"), "YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func newLogger(levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Str("component", "smdash").Logger()
}

func (a *app) component(name string) zerolog.Logger {
	return a.logger.With().Str("component", name).Logger()
}

// aws validates the config and builds the AWS clients on first use.
func (a *app) aws(ctx context.Context) (*cloud.AWSClients, error) {
	if a.clients != nil {
		return a.clients, nil
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c, err := cloud.NewAWSClients(ctx, a.cfg.Region, a.cfg.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("aws clients: %w", err)
	}
	if a.cfg.SimulatorMode() {
		a.logger.Info().Str("endpoint_url", a.cfg.EndpointURL).Msg("simulator mode")
	}
	a.clients = c
	return c, nil
}

// resolveAccount fills in the account id from STS when it is not configured.
func (a *app) resolveAccount(ctx context.Context) error {
	if a.cfg.AccountID != "" {
		return nil
	}
	c, err := a.aws(ctx)
	if err != nil {
		return err
	}
	id, err := cloud.ResolveAccountID(ctx, c.STS, a.cfg.AccountID)
	if err != nil {
		return err
	}
	a.cfg.AccountID = id
	return nil
}

func (a *app) dockerClient() (localdev.DockerAPI, registry.DockerAPI, error) {
	if a.docker == nil {
		cli, err := localdev.NewDockerClient(os.Getenv("DOCKER_HOST"))
		if err != nil {
			return nil, nil, err
		}
		a.docker, a.pushAPI = cli, cli
	}
	return a.docker, a.pushAPI, nil
}

func (a *app) hub() *hub.Client {
	return hub.NewClient(a.cfg.HubURL, a.cfg.HubToken, a.cfg.CacheDir, a.component("hub"))
}

func (a *app) uploader(ctx context.Context) (*storage.Uploader, error) {
	c, err := a.aws(ctx)
	if err != nil {
		return nil, err
	}
	return storage.NewUploader(c.S3, a.component("storage")), nil
}

func (a *app) deployer(ctx context.Context) (*endpoint.Deployer, error) {
	c, err := a.aws(ctx)
	if err != nil {
		return nil, err
	}
	return endpoint.NewDeployer(c.SageMaker, c.SageMakerRuntime, c.CloudWatch,
		endpoint.DefaultOptions(a.cfg.SimulatorMode()), a.component("endpoint")), nil
}

func (a *app) builder() (*localdev.Builder, error) {
	d, _, err := a.dockerClient()
	if err != nil {
		return nil, err
	}
	b := localdev.NewBuilder(d, a.component("localdev"))
	b.Output = os.Stderr
	return b, nil
}

func (a *app) pusher(ctx context.Context) (*registry.Pusher, error) {
	c, err := a.aws(ctx)
	if err != nil {
		return nil, err
	}
	_, d, err := a.dockerClient()
	if err != nil {
		return nil, err
	}
	p := registry.NewPusher(c.ECR, d, a.component("registry"))
	p.Output = os.Stderr
	return p, nil
}

func (a *app) scaler(ctx context.Context) (*service.Scaler, error) {
	c, err := a.aws(ctx)
	if err != nil {
		return nil, err
	}
	return service.NewScaler(c.ECS, c.ELB, service.DefaultOptions(a.cfg.SimulatorMode()), a.component("service")), nil
}

func (a *app) ledger() (*state.Ledger, error) {
	l := state.NewLedger(a.cfg.StateFile)
	if err := l.Load(); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return l, nil
}

// record adds a created resource to the ledger. Failures are logged, not
// returned, so a finished cloud operation is never reported as failed.
func (a *app) record(kind state.Kind, id string, attrs map[string]string) {
	l, err := a.ledger()
	if err == nil {
		err = l.Register(state.Entry{Kind: kind, ID: id, Attributes: attrs})
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("kind", string(kind)).Str("id", id).Msg("could not record resource")
	}
}

// runner wires every component into a pipeline.Runner.
func (a *app) runner(ctx context.Context) (*pipeline.Runner, *state.Ledger, error) {
	l, err := a.ledger()
	if err != nil {
		return nil, nil, err
	}
	up, err := a.uploader(ctx)
	if err != nil {
		return nil, nil, err
	}
	dep, err := a.deployer(ctx)
	if err != nil {
		return nil, nil, err
	}
	push, err := a.pusher(ctx)
	if err != nil {
		return nil, nil, err
	}
	b, err := a.builder()
	if err != nil {
		return nil, nil, err
	}
	sc, err := a.scaler(ctx)
	if err != nil {
		return nil, nil, err
	}
	r := pipeline.NewRunner(a.cfg, pipeline.Components{
		Fetcher:  a.hub(),
		Store:    up,
		Deployer: dep,
		Builder:  b,
		Pusher:   push,
		Scaler:   sc,
	}, l, a.component("pipeline"))
	return r, l, nil
}
