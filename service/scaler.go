// Package service scales the container service that fronts the dashboard.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/rs/zerolog"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/cloud"
)

// ECSAPI is the subset of the ECS client used by the Scaler.
type ECSAPI interface {
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
}

// ELBAPI is the subset of the ELBv2 client used to find the load balancer.
type ELBAPI interface {
	DescribeLoadBalancers(ctx context.Context, params *elb.DescribeLoadBalancersInput, optFns ...func(*elb.Options)) (*elb.DescribeLoadBalancersOutput, error)
}

// Options tunes service polling.
type Options struct {
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// DefaultOptions returns the polling used against real AWS. Simulator mode
// polls faster.
func DefaultOptions(simulator bool) Options {
	o := Options{PollInterval: 2 * time.Second, WaitTimeout: 10 * time.Minute}
	if simulator {
		o.PollInterval = 500 * time.Millisecond
	}
	return o
}

// Scaler changes the desired count of a service and waits for it to settle.
type Scaler struct {
	ecs    ECSAPI
	elb    ELBAPI
	opts   Options
	logger zerolog.Logger
}

// NewScaler creates a Scaler.
func NewScaler(ecsClient ECSAPI, elbClient ELBAPI, opts Options, logger zerolog.Logger) *Scaler {
	return &Scaler{ecs: ecsClient, elb: elbClient, opts: opts, logger: logger}
}

// Scale sets the desired task count and waits until the service is stable
// at that count.
func (s *Scaler) Scale(ctx context.Context, cluster, service string, desired int32) (api.ServiceStatus, error) {
	if err := s.Update(ctx, cluster, service, desired); err != nil {
		return api.ServiceStatus{}, err
	}
	return s.WaitStable(ctx, cluster, service)
}

// Update sets the desired task count without waiting. Once it returns nil
// the service is scaling, whatever a later wait reports.
func (s *Scaler) Update(ctx context.Context, cluster, service string, desired int32) error {
	if desired < 0 {
		return &api.InvalidParameterError{Message: fmt.Sprintf("desired count %d is negative", desired)}
	}
	if cluster == "" || service == "" {
		return &api.InvalidParameterError{Message: "cluster and service are required"}
	}

	// UpdateService succeeds on INACTIVE services in some regions, so
	// check first.
	if _, err := s.Status(ctx, cluster, service); err != nil {
		return err
	}

	_, err := s.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(cluster),
		Service:      aws.String(service),
		DesiredCount: aws.Int32(desired),
	})
	if err != nil {
		return cloud.MapAWSError(err, "service", service)
	}
	s.logger.Info().Str("cluster", cluster).Str("service", service).Int32("desired", desired).Msg("service scaling")
	return nil
}

// WaitStable polls the service until it runs its desired count with a
// single deployment.
func (s *Scaler) WaitStable(ctx context.Context, cluster, service string) (api.ServiceStatus, error) {
	timeout := time.After(s.opts.WaitTimeout)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var last api.ServiceStatus
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-timeout:
			return last, fmt.Errorf("timeout waiting for service %s to stabilize (running %d of %d)",
				service, last.RunningCount, last.DesiredCount)
		case <-ticker.C:
			st, err := s.Status(ctx, cluster, service)
			if err != nil {
				return last, err
			}
			if st.RunningCount != last.RunningCount || st.Deployments != last.Deployments {
				s.logger.Debug().Str("service", service).Int32("running", st.RunningCount).
					Int32("pending", st.PendingCount).Int32("desired", st.DesiredCount).Msg("service progress")
			}
			last = st
			if st.Stable() {
				s.logger.Info().Str("service", service).Int32("running", st.RunningCount).Msg("service stable")
				return st, nil
			}
		}
	}
}

// Status describes the service. A missing or INACTIVE service is a
// NotFoundError.
func (s *Scaler) Status(ctx context.Context, cluster, service string) (api.ServiceStatus, error) {
	out, err := s.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{service},
	})
	if err != nil {
		return api.ServiceStatus{}, cloud.MapAWSError(err, "service", service)
	}
	if len(out.Services) == 0 {
		return api.ServiceStatus{}, &api.NotFoundError{Resource: "service", ID: service}
	}
	svc := out.Services[0]
	status := aws.ToString(svc.Status)
	if status == "INACTIVE" {
		return api.ServiceStatus{}, &api.NotFoundError{Resource: "service", ID: service}
	}
	return api.ServiceStatus{
		Cluster:      cluster,
		Service:      aws.ToString(svc.ServiceName),
		Status:       status,
		DesiredCount: svc.DesiredCount,
		RunningCount: svc.RunningCount,
		PendingCount: svc.PendingCount,
		Deployments:  len(svc.Deployments),
	}, nil
}

// LoadBalancerURL returns the public URL of the service's load balancer.
// A configured DNS name is used as is; otherwise the balancer is looked up
// by name.
func (s *Scaler) LoadBalancerURL(ctx context.Context, lbName, lbDNS string) (string, error) {
	if lbDNS != "" {
		return "http://" + lbDNS + "/", nil
	}
	if lbName == "" {
		return "", &api.InvalidParameterError{Message: "load balancer name or DNS name is required"}
	}
	out, err := s.elb.DescribeLoadBalancers(ctx, &elb.DescribeLoadBalancersInput{
		Names: []string{lbName},
	})
	if err != nil {
		return "", cloud.MapAWSError(err, "load balancer", lbName)
	}
	if len(out.LoadBalancers) == 0 || aws.ToString(out.LoadBalancers[0].DNSName) == "" {
		return "", &api.NotFoundError{Resource: "load balancer", ID: lbName}
	}
	return "http://" + aws.ToString(out.LoadBalancers[0].DNSName) + "/", nil
}
