package store

import (
	"context"
	"errors"

	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/taginventory/internal/errs"
)

var deniedCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"AllAccessDisabled":           true,
	"InvalidAccessKeyId":          true,
	"InvalidClientTokenId":        true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"UnrecognizedClientException": true,
	"SignatureDoesNotMatch":       true,
	"RegionDisabledException":     true,
	"MalformedPolicyDocument":     true,
}

// classify maps a store error onto the failure taxonomy. Anything that is
// neither a rejected credential nor a failed condition is transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var condErr *dtypes.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return errs.New(errs.WriteConflict, op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if deniedCodes[apiErr.ErrorCode()] {
			return errs.New(errs.CredentialDenied, op, err)
		}
		if apiErr.ErrorCode() == "ConditionalCheckFailedException" {
			return errs.New(errs.WriteConflict, op, err)
		}
	}

	return errs.New(errs.TransientStoreError, op, err)
}
