// Package endpoint deploys a packaged model as a hosted inference endpoint
// and invokes it.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/cloud"
)

// SageMakerAPI is the subset of the SageMaker client used by the Deployer.
type SageMakerAPI interface {
	CreateModel(ctx context.Context, params *sagemaker.CreateModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateModelOutput, error)
	CreateEndpointConfig(ctx context.Context, params *sagemaker.CreateEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointConfigOutput, error)
	CreateEndpoint(ctx context.Context, params *sagemaker.CreateEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointOutput, error)
	UpdateEndpoint(ctx context.Context, params *sagemaker.UpdateEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.UpdateEndpointOutput, error)
	DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error)
	DeleteEndpoint(ctx context.Context, params *sagemaker.DeleteEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointOutput, error)
	DeleteEndpointConfig(ctx context.Context, params *sagemaker.DeleteEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointConfigOutput, error)
	DeleteModel(ctx context.Context, params *sagemaker.DeleteModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteModelOutput, error)
}

var nameRE = regexp.MustCompile(`^[a-zA-Z0-9](-*[a-zA-Z0-9]){0,62}$`)

// Spec describes the model and endpoint to deploy.
type Spec struct {
	EndpointName  string
	ModelDataURL  string // s3:// URI of the artifact archive
	Image         string // inference runtime container
	RoleARN       string
	InstanceType  string
	InstanceCount int
	Environment   map[string]string
	// Replace updates an existing endpoint in place instead of failing.
	Replace bool
}

// Deployment names every resource created for an endpoint.
type Deployment struct {
	EndpointName   string    `json:"endpoint_name"`
	ConfigName     string    `json:"config_name"`
	ModelName      string    `json:"model_name"`
	ModelDataURL   string    `json:"model_data_url"`
	Image          string    `json:"image"`
	InstanceType   string    `json:"instance_type"`
	PreviousConfig string    `json:"previous_config,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Options tunes endpoint polling.
type Options struct {
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// DefaultOptions returns the polling used against real AWS. Simulator mode
// polls faster.
func DefaultOptions(simulator bool) Options {
	o := Options{PollInterval: 2 * time.Second, WaitTimeout: 30 * time.Minute}
	if simulator {
		o.PollInterval = 500 * time.Millisecond
	}
	return o
}

// Deployer creates, waits for, invokes and deletes hosted endpoints.
type Deployer struct {
	sm      SageMakerAPI
	runtime RuntimeAPI
	logs    LogsAPI
	opts    Options
	logger  zerolog.Logger
}

// NewDeployer creates a Deployer.
func NewDeployer(sm SageMakerAPI, runtime RuntimeAPI, logs LogsAPI, opts Options, logger zerolog.Logger) *Deployer {
	return &Deployer{sm: sm, runtime: runtime, logs: logs, opts: opts, logger: logger}
}

// DefaultEnvironment is the runtime environment for the bundled
// text-generation entry point.
func DefaultEnvironment() map[string]string {
	return map[string]string{
		"SAGEMAKER_PROGRAM":          "inference.py",
		"SAGEMAKER_SUBMIT_DIRECTORY": "/opt/ml/model/code",
		"HF_TASK":                    "text-generation",
	}
}

func (s Spec) validate() error {
	if !nameRE.MatchString(s.EndpointName) {
		return &api.InvalidParameterError{Message: fmt.Sprintf("invalid endpoint name %q", s.EndpointName)}
	}
	if !strings.HasPrefix(s.ModelDataURL, "s3://") {
		return &api.InvalidParameterError{Message: fmt.Sprintf("model data url %q is not an s3 uri", s.ModelDataURL)}
	}
	if s.Image == "" || s.RoleARN == "" || s.InstanceType == "" {
		return &api.InvalidParameterError{Message: "image, role ARN and instance type are required"}
	}
	if s.InstanceCount < 1 {
		return &api.InvalidParameterError{Message: "instance count must be at least 1"}
	}
	return nil
}

// Deploy creates the model and endpoint config, creates (or, with
// Spec.Replace, updates) the endpoint, and returns once it is InService.
func (d *Deployer) Deploy(ctx context.Context, spec Spec) (Deployment, error) {
	if err := spec.validate(); err != nil {
		return Deployment{}, err
	}

	existing, err := d.Status(ctx, spec.EndpointName)
	exists := err == nil
	if err != nil && !api.IsNotFound(err) {
		return Deployment{}, err
	}
	if exists && !spec.Replace {
		return Deployment{}, &api.ConflictError{Message: fmt.Sprintf("endpoint %s already exists (status %s)", spec.EndpointName, existing.Status)}
	}

	suffix := shortID()
	dep := Deployment{
		EndpointName: spec.EndpointName,
		ModelName:    resourceName(spec.EndpointName, suffix),
		ConfigName:   resourceName(spec.EndpointName+"-config", suffix),
		ModelDataURL: spec.ModelDataURL,
		Image:        spec.Image,
		InstanceType: spec.InstanceType,
		CreatedAt:    time.Now().UTC(),
	}
	if exists {
		dep.PreviousConfig = existing.ConfigName
	}

	env := spec.Environment
	if env == nil {
		env = DefaultEnvironment()
	}
	_, err = d.sm.CreateModel(ctx, &sagemaker.CreateModelInput{
		ModelName:        aws.String(dep.ModelName),
		ExecutionRoleArn: aws.String(spec.RoleARN),
		PrimaryContainer: &smtypes.ContainerDefinition{
			Image:        aws.String(spec.Image),
			ModelDataUrl: aws.String(spec.ModelDataURL),
			Environment:  env,
		},
		Tags: tags(spec.EndpointName),
	})
	if err != nil {
		return Deployment{}, cloud.MapAWSError(err, "model", dep.ModelName)
	}
	d.logger.Info().Str("model", dep.ModelName).Msg("model created")

	_, err = d.sm.CreateEndpointConfig(ctx, &sagemaker.CreateEndpointConfigInput{
		EndpointConfigName: aws.String(dep.ConfigName),
		ProductionVariants: []smtypes.ProductionVariant{{
			VariantName:          aws.String("AllTraffic"),
			ModelName:            aws.String(dep.ModelName),
			InitialInstanceCount: aws.Int32(int32(spec.InstanceCount)),
			InstanceType:         smtypes.ProductionVariantInstanceType(spec.InstanceType),
			InitialVariantWeight: aws.Float32(1),
		}},
		Tags: tags(spec.EndpointName),
	})
	if err != nil {
		return dep, cloud.MapAWSError(err, "endpoint config", dep.ConfigName)
	}
	d.logger.Info().Str("config", dep.ConfigName).Str("instance_type", spec.InstanceType).Msg("endpoint config created")

	if exists {
		_, err = d.sm.UpdateEndpoint(ctx, &sagemaker.UpdateEndpointInput{
			EndpointName:       aws.String(dep.EndpointName),
			EndpointConfigName: aws.String(dep.ConfigName),
		})
	} else {
		_, err = d.sm.CreateEndpoint(ctx, &sagemaker.CreateEndpointInput{
			EndpointName:       aws.String(dep.EndpointName),
			EndpointConfigName: aws.String(dep.ConfigName),
			Tags:               tags(spec.EndpointName),
		})
	}
	if err != nil {
		return dep, cloud.MapAWSError(err, "endpoint", dep.EndpointName)
	}
	d.logger.Info().Str("endpoint", dep.EndpointName).Bool("update", exists).Msg("endpoint provisioning")

	if _, err := d.WaitInService(ctx, dep.EndpointName); err != nil {
		return dep, err
	}
	return dep, nil
}

// WaitInService polls the endpoint until it is InService, fails, or the
// wait times out.
func (d *Deployer) WaitInService(ctx context.Context, name string) (api.EndpointStatus, error) {
	timeout := time.After(d.opts.WaitTimeout)
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return api.EndpointStatus{}, ctx.Err()
		case <-timeout:
			return api.EndpointStatus{}, fmt.Errorf("timeout waiting for endpoint %s to reach InService (last status %s)", name, last)
		case <-ticker.C:
			st, err := d.Status(ctx, name)
			if err != nil {
				return api.EndpointStatus{}, err
			}
			if st.Status != last {
				d.logger.Info().Str("endpoint", name).Str("status", st.Status).Msg("endpoint status")
				last = st.Status
			}
			switch smtypes.EndpointStatus(st.Status) {
			case smtypes.EndpointStatusInService:
				return st, nil
			case smtypes.EndpointStatusFailed, smtypes.EndpointStatusOutOfService:
				return st, fmt.Errorf("endpoint %s %s: %s", name, st.Status, st.FailureReason)
			}
		}
	}
}

// Status describes the endpoint.
func (d *Deployer) Status(ctx context.Context, name string) (api.EndpointStatus, error) {
	out, err := d.sm.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{EndpointName: aws.String(name)})
	if err != nil {
		return api.EndpointStatus{}, cloud.MapAWSError(err, "endpoint", name)
	}
	return api.EndpointStatus{
		Name:          aws.ToString(out.EndpointName),
		Status:        string(out.EndpointStatus),
		ConfigName:    aws.ToString(out.EndpointConfigName),
		FailureReason: aws.ToString(out.FailureReason),
	}, nil
}

// DeleteEndpoint deletes the endpoint. A missing endpoint is not an error.
func (d *Deployer) DeleteEndpoint(ctx context.Context, name string) error {
	_, err := d.sm.DeleteEndpoint(ctx, &sagemaker.DeleteEndpointInput{EndpointName: aws.String(name)})
	return d.deleted(err, "endpoint", name)
}

// DeleteEndpointConfig deletes an endpoint config. A missing config is not an error.
func (d *Deployer) DeleteEndpointConfig(ctx context.Context, name string) error {
	_, err := d.sm.DeleteEndpointConfig(ctx, &sagemaker.DeleteEndpointConfigInput{EndpointConfigName: aws.String(name)})
	return d.deleted(err, "endpoint config", name)
}

// DeleteModel deletes a model. A missing model is not an error.
func (d *Deployer) DeleteModel(ctx context.Context, name string) error {
	_, err := d.sm.DeleteModel(ctx, &sagemaker.DeleteModelInput{ModelName: aws.String(name)})
	return d.deleted(err, "model", name)
}

// Delete removes the endpoint, then its config, then its model. Every
// deletion is attempted; failures are joined.
func (d *Deployer) Delete(ctx context.Context, dep Deployment) error {
	var errs []error
	if dep.EndpointName != "" {
		errs = append(errs, d.DeleteEndpoint(ctx, dep.EndpointName))
	}
	if dep.ConfigName != "" {
		errs = append(errs, d.DeleteEndpointConfig(ctx, dep.ConfigName))
	}
	if dep.ModelName != "" {
		errs = append(errs, d.DeleteModel(ctx, dep.ModelName))
	}
	return errors.Join(errs...)
}

func (d *Deployer) deleted(err error, resource, name string) error {
	if err != nil {
		mapped := cloud.MapAWSError(err, resource, name)
		if api.IsNotFound(mapped) {
			d.logger.Debug().Str(strings.ReplaceAll(resource, " ", "_"), name).Msg("already gone")
			return nil
		}
		return mapped
	}
	d.logger.Info().Str(strings.ReplaceAll(resource, " ", "_"), name).Msg("deleted")
	return nil
}

func tags(endpoint string) []smtypes.Tag {
	return []smtypes.Tag{
		{Key: aws.String("smdash-managed"), Value: aws.String("true")},
		{Key: aws.String("smdash-endpoint"), Value: aws.String(endpoint)},
	}
}

// resourceName joins base and suffix, trimming base so the result fits the
// 63 character SageMaker name limit.
func resourceName(base, suffix string) string {
	maxBase := 63 - len(suffix) - 1
	if len(base) > maxBase {
		base = strings.TrimRight(base[:maxBase], "-")
	}
	return base + "-" + suffix
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
