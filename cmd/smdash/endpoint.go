package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/endpoint"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/state"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/storage"
)

var (
	deployReplace bool
	modelDataURL  string
	genReq        api.GenerateRequest
	logLimit      int32
	logSince      time.Duration
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Create the hosted endpoint and wait until it is InService",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := a.deployer(cmd.Context())
		if err != nil {
			return err
		}
		data := modelDataURL
		if data == "" {
			data = storage.URI(a.cfg.Bucket, a.cfg.ArtifactKey())
		}
		dep, deployErr := d.Deploy(cmd.Context(), endpoint.Spec{
			EndpointName:  a.cfg.EndpointName,
			ModelDataURL:  data,
			Image:         a.cfg.InferenceImageURI(),
			RoleARN:       a.cfg.RoleARN,
			InstanceType:  a.cfg.InstanceType,
			InstanceCount: a.cfg.InstanceCount,
			Replace:       deployReplace,
		})
		if dep.ModelName != "" {
			a.record(state.KindModel, dep.ModelName, nil)
		}
		if dep.ConfigName != "" {
			a.record(state.KindEndpointConfig, dep.ConfigName, nil)
			a.record(state.KindEndpoint, dep.EndpointName, map[string]string{"config": dep.ConfigName})
		}
		if deployErr != nil {
			return deployErr
		}
		return printJSON(cmd, dep)
	},
}

var invokeCmd = &cobra.Command{
	Use:   "invoke <prompt>",
	Short: "Generate text from the hosted endpoint",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := a.deployer(cmd.Context())
		if err != nil {
			return err
		}
		req := genReq
		req.Prompt = strings.Join(args, " ")
		resp, err := d.Invoke(cmd.Context(), a.cfg.EndpointName, req)
		if err != nil {
			return err
		}
		a.logger.Debug().Int64("latency_ms", resp.LatencyMS).Msg("invoked")
		fmt.Fprintln(cmd.OutOrStdout(), resp.GeneratedText)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show endpoint and service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := a.deployer(cmd.Context())
		if err != nil {
			return err
		}
		out := struct {
			Endpoint api.EndpointStatus `json:"endpoint"`
			Service  *api.ServiceStatus `json:"service,omitempty"`
		}{}
		out.Endpoint, err = d.Status(cmd.Context(), a.cfg.EndpointName)
		if err != nil {
			if !api.IsNotFound(err) {
				return err
			}
			out.Endpoint = api.EndpointStatus{Name: a.cfg.EndpointName, Status: "NotFound"}
		}
		if a.cfg.Cluster != "" && a.cfg.Service != "" {
			sc, err := a.scaler(cmd.Context())
			if err != nil {
				return err
			}
			st, err := sc.Status(cmd.Context(), a.cfg.Cluster, a.cfg.Service)
			if err == nil {
				out.Service = &st
			} else if !api.IsNotFound(err) {
				return err
			}
		}
		return printJSON(cmd, out)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the endpoint's recent log events",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := a.deployer(cmd.Context())
		if err != nil {
			return err
		}
		events, err := d.Logs(cmd.Context(), a.cfg.EndpointName, logSince, logLimit)
		if err != nil {
			return err
		}
		for _, e := range events {
			ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", ts, e.Stream, strings.TrimRight(e.Message, "\n"))
		}
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	deployCmd.Flags().BoolVar(&deployReplace, "replace", false, "update an existing endpoint in place")
	deployCmd.Flags().StringVar(&modelDataURL, "model-data", "", "s3:// URI of the model archive (default: the uploaded artifact)")

	invokeCmd.Flags().IntVar(&genReq.MaxNewTokens, "max-new-tokens", 0, "maximum tokens to generate")
	invokeCmd.Flags().Float64Var(&genReq.Temperature, "temperature", 0, "sampling temperature")
	invokeCmd.Flags().Float64Var(&genReq.TopP, "top-p", 0, "nucleus sampling probability")
	invokeCmd.Flags().BoolVar(&genReq.DoSample, "do-sample", false, "sample instead of greedy decoding")

	logsCmd.Flags().Int32Var(&logLimit, "limit", 100, "maximum number of events, newest kept")
	logsCmd.Flags().DurationVar(&logSince, "since", endpoint.DefaultLogWindow, "how far back to read")

	rootCmd.AddCommand(deployCmd, invokeCmd, statusCmd, logsCmd)
}
