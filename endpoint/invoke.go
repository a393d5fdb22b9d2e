package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/cloud"
)

// RuntimeAPI is the subset of the SageMaker runtime client used for invocation.
type RuntimeAPI interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

type invokePayload struct {
	Inputs     string         `json:"inputs"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type generation struct {
	GeneratedText string `json:"generated_text"`
}

// EncodeRequest builds the JSON body the inference entry point decodes.
// Zero-valued generation parameters are left to the runtime defaults.
func EncodeRequest(req api.GenerateRequest) ([]byte, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &api.InvalidParameterError{Message: "prompt is required"}
	}
	params := map[string]any{}
	if req.MaxNewTokens > 0 {
		params["max_new_tokens"] = req.MaxNewTokens
	}
	if req.Temperature > 0 {
		params["temperature"] = req.Temperature
	}
	if req.TopP > 0 {
		params["top_p"] = req.TopP
	}
	if req.DoSample {
		params["do_sample"] = true
	}
	return json.Marshal(invokePayload{Inputs: req.Prompt, Parameters: params})
}

// DecodeResponse accepts both the list form `[{"generated_text": ...}]`
// and the single object form.
func DecodeResponse(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var list []generation
		if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
			return "", fmt.Errorf("decode generation: %w", err)
		}
		if len(list) == 0 {
			return "", fmt.Errorf("decode generation: empty result")
		}
		return list[0].GeneratedText, nil
	}
	var single generation
	if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
		return "", fmt.Errorf("decode generation: %w", err)
	}
	return single.GeneratedText, nil
}

// Invoke sends a prompt to the endpoint and returns the generated text.
func (d *Deployer) Invoke(ctx context.Context, endpoint string, req api.GenerateRequest) (api.GenerateResponse, error) {
	body, err := EncodeRequest(req)
	if err != nil {
		return api.GenerateResponse{}, err
	}

	start := time.Now()
	out, err := d.runtime.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(endpoint),
		ContentType:  aws.String("application/json"),
		Accept:       aws.String("application/json"),
		Body:         body,
	})
	if err != nil {
		return api.GenerateResponse{}, d.invokeError(ctx, endpoint, err)
	}

	text, err := DecodeResponse(out.Body)
	if err != nil {
		return api.GenerateResponse{}, err
	}
	latency := time.Since(start)
	d.logger.Debug().Str("endpoint", endpoint).Dur("dur", latency).Int("chars", len(text)).Msg("invoked")
	return api.GenerateResponse{
		GeneratedText: text,
		Endpoint:      endpoint,
		LatencyMS:     latency.Milliseconds(),
	}, nil
}

// invokeError maps a failed InvokeEndpoint call. The runtime reports an
// endpoint that is still Creating or Updating as a ValidationException, so
// the endpoint status decides whether it is missing, not ready, or the
// request was bad.
func (d *Deployer) invokeError(ctx context.Context, endpoint string, err error) error {
	mapped := cloud.MapAWSError(err, "endpoint", endpoint)
	var invalid *api.InvalidParameterError
	if !api.IsNotFound(mapped) && !errors.As(mapped, &invalid) {
		return mapped
	}
	st, statusErr := d.Status(ctx, endpoint)
	if statusErr != nil {
		if api.IsNotFound(statusErr) {
			return statusErr
		}
		return mapped
	}
	if !st.InService() {
		return &api.NotReadyError{Resource: "endpoint", ID: endpoint, Status: st.Status}
	}
	return mapped
}
