package search

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/yairfalse/taginventory/internal/errs"
)

var throttleCodes = map[string]bool{
	"ThrottlingException":                    true,
	"Throttling":                             true,
	"ThrottledException":                     true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
}

type httpStatusError interface {
	HTTPStatusCode() int
}

// classify maps an index error onto the failure taxonomy. Cancellation
// of the caller's context is returned unclassified so it is never retried.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(errs.Timeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttleCodes[apiErr.ErrorCode()] {
		return errs.New(errs.Throttled, op, err)
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return errs.New(errs.Throttled, op, err)
	}

	return errs.New(errs.IndexUnavailable, op, err)
}
