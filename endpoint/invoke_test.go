package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
)

func TestEncodeRequest(t *testing.T) {
	body, err := EncodeRequest(api.GenerateRequest{Prompt: "Once upon a time", MaxNewTokens: 32, TopP: 0.9})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "Once upon a time", got["inputs"])
	params := got["parameters"].(map[string]any)
	assert.Equal(t, float64(32), params["max_new_tokens"])
	assert.Equal(t, 0.9, params["top_p"])
	assert.NotContains(t, params, "temperature")
}

func TestEncodeRequestWithoutParameters(t *testing.T) {
	body, err := EncodeRequest(api.GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"inputs":"hi"}`, string(body))
}

func TestEncodeRequestEmptyPrompt(t *testing.T) {
	_, err := EncodeRequest(api.GenerateRequest{Prompt: "   "})
	var invalid *api.InvalidParameterError
	assert.ErrorAs(t, err, &invalid)
}

func TestDecodeResponse(t *testing.T) {
	text, err := DecodeResponse([]byte(`[{"generated_text":"hello world"}]`))
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	text, err = DecodeResponse([]byte(` {"generated_text":"single"}`))
	require.NoError(t, err)
	assert.Equal(t, "single", text)

	_, err = DecodeResponse([]byte(`[]`))
	assert.Error(t, err)

	_, err = DecodeResponse([]byte(`not json`))
	assert.Error(t, err)
}

func TestInvoke(t *testing.T) {
	rt := &fakeRuntime{body: []byte(`[{"generated_text":"Once upon a time there was a gopher"}]`)}
	d := NewDeployer(newFakeSageMaker(), rt, &fakeLogs{}, fastOptions, zerolog.Nop())

	resp, err := d.Invoke(context.Background(), "ep", api.GenerateRequest{Prompt: "Once upon a time"})
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time there was a gopher", resp.GeneratedText)
	assert.Equal(t, "ep", resp.Endpoint)
	assert.JSONEq(t, `{"inputs":"Once upon a time"}`, string(rt.lastBody))
}

func TestInvokeMissingEndpoint(t *testing.T) {
	rt := &fakeRuntime{err: &smithy.GenericAPIError{Code: "ValidationException", Message: "Endpoint ep of account 123 not found."}}
	d := NewDeployer(newFakeSageMaker(), rt, &fakeLogs{}, fastOptions, zerolog.Nop())

	_, err := d.Invoke(context.Background(), "ep", api.GenerateRequest{Prompt: "x"})
	assert.True(t, api.IsNotFound(err))
}

func TestInvokeEndpointNotInService(t *testing.T) {
	sm := newFakeSageMaker()
	sm.readyAfter = 100
	sm.endpoints["ep"] = &fakeEndpoint{config: "ep-config", status: smtypes.EndpointStatusCreating}
	rt := &fakeRuntime{err: &smithy.GenericAPIError{Code: "ValidationException", Message: "Endpoint ep is not in service."}}
	d := NewDeployer(sm, rt, &fakeLogs{}, fastOptions, zerolog.Nop())

	_, err := d.Invoke(context.Background(), "ep", api.GenerateRequest{Prompt: "x"})
	var notReady *api.NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, "Creating", notReady.Status)
	assert.Equal(t, http.StatusServiceUnavailable, api.HTTPStatus(err))
}

func TestInvokeBadRequestOnLiveEndpoint(t *testing.T) {
	sm := newFakeSageMaker()
	sm.endpoints["ep"] = &fakeEndpoint{config: "ep-config", status: smtypes.EndpointStatusInService}
	rt := &fakeRuntime{err: &smithy.GenericAPIError{Code: "ValidationException", Message: "Input payload must contain inputs."}}
	d := NewDeployer(sm, rt, &fakeLogs{}, fastOptions, zerolog.Nop())

	_, err := d.Invoke(context.Background(), "ep", api.GenerateRequest{Prompt: "x"})
	var invalid *api.InvalidParameterError
	assert.ErrorAs(t, err, &invalid)
}
