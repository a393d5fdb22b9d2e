package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSAPI is the subset of the STS client used to resolve the account id.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ResolveAccountID returns configured when set, otherwise asks STS for the
// account of the current credentials.
func ResolveAccountID(ctx context.Context, client STSAPI, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("resolve account id: %w", err)
	}
	account := aws.ToString(out.Account)
	if account == "" {
		return "", fmt.Errorf("resolve account id: empty account in caller identity")
	}
	return account, nil
}
