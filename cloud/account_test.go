package cloud

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSTS struct {
	account string
	err     error
	calls   int
}

func (f *fakeSTS) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.account)}, nil
}

func TestResolveAccountIDConfigured(t *testing.T) {
	f := &fakeSTS{account: "999"}
	id, err := ResolveAccountID(context.Background(), f, "123456789012")
	require.NoError(t, err)
	assert.Equal(t, "123456789012", id)
	assert.Zero(t, f.calls)
}

func TestResolveAccountIDFromSTS(t *testing.T) {
	f := &fakeSTS{account: "210987654321"}
	id, err := ResolveAccountID(context.Background(), f, "")
	require.NoError(t, err)
	assert.Equal(t, "210987654321", id)
}

func TestResolveAccountIDErrors(t *testing.T) {
	_, err := ResolveAccountID(context.Background(), &fakeSTS{err: errors.New("expired token")}, "")
	assert.ErrorContains(t, err, "expired token")

	_, err = ResolveAccountID(context.Background(), &fakeSTS{}, "")
	assert.Error(t, err)
}

func TestNewAWSClientsSimulatorMode(t *testing.T) {
	clients, err := NewAWSClients(context.Background(), "us-east-1", "http://127.0.0.1:4566")
	require.NoError(t, err)
	assert.NotNil(t, clients.S3)
	assert.NotNil(t, clients.SageMaker)
	assert.NotNil(t, clients.SageMakerRuntime)
	assert.NotNil(t, clients.ECS)
	assert.NotNil(t, clients.ELB)
}
