package cloud

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/api"
)

var notFoundCodes = map[string]bool{
	"ResourceNotFoundException":         true,
	"ResourceNotFound":                  true,
	"NotFound":                          true,
	"NoSuchBucket":                      true,
	"NoSuchKey":                         true,
	"RepositoryNotFoundException":       true,
	"ImageNotFoundException":            true,
	"ServiceNotFoundException":          true,
	"ServiceNotActiveException":         true,
	"ClusterNotFoundException":          true,
	"LoadBalancerNotFound":              true,
	"LoadBalancerNotFoundException":     true,
	"ResourceNotFoundFault":             true,
	"RepositoryPolicyNotFoundException": true,
}

var conflictCodes = map[string]bool{
	"ResourceInUse":                    true,
	"ResourceInUseException":           true,
	"ConflictException":                true,
	"RepositoryAlreadyExistsException": true,
	"BucketAlreadyOwnedByYou":          true,
}

var invalidCodes = map[string]bool{
	"ValidationException":       true,
	"InvalidParameterException": true,
	"InvalidParameterValue":     true,
}

// MapAWSError converts common AWS errors to api errors.
func MapAWSError(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	// SageMaker reports missing and duplicate resources as
	// ValidationException, so the message checks run before the code lookup.
	if containsAny(msg, "Could not find", "does not exist", "not found") {
		return &api.NotFoundError{Resource: resource, ID: id}
	}
	if containsAny(msg, "already exists", "Cannot create already existing") {
		return &api.ConflictError{Message: fmt.Sprintf("%s %s already exists", resource, id)}
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		switch {
		case notFoundCodes[code]:
			return &api.NotFoundError{Resource: resource, ID: id}
		case conflictCodes[code]:
			return &api.ConflictError{Message: fmt.Sprintf("%s %s: %s", resource, id, ae.ErrorMessage())}
		case invalidCodes[code]:
			return &api.InvalidParameterError{Message: fmt.Sprintf("%s %s: %s", resource, id, ae.ErrorMessage())}
		}
	}

	return fmt.Errorf("%s %s: %w", resource, id, err)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
