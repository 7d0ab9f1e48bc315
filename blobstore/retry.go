package blobstore

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/aws/smithy-go"
	"k8s.io/klog/v2"
)

const (
	defaultStartingBackoff = 100 * time.Millisecond
	defaultMaxRetries      = 4
)

// retryableS3Codes are server-side error codes worth retrying.
var retryableS3Codes = map[string]bool{
	"InternalError":        true,
	"ServiceUnavailable":   true,
	"SlowDown":             true,
	"RequestTimeout":       true,
	"Throttling":           true,
	"ThrottlingException":  true,
	"RequestLimitExceeded": true,
}

// IsRetryable classifies an error as transient. Missing objects, access
// denials and cancelled contexts are terminal; network failures, timeouts
// and throttling responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return retryableS3Codes[apiErr.ErrorCode()]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func retryExponentialBackoff[T any](
	ctx context.Context,
	op string,
	fn func() (T, error),
	startingBackoff time.Duration,
	maxRetries int,
) (T, error) {
	var out T
	var err error
	backoff := startingBackoff
	for i := 0; i < maxRetries; i++ {
		out, err = fn()
		if err == nil {
			return out, nil
		}
		if !IsRetryable(err) {
			return out, err
		}
		klog.Warningf("blobstore %s failed (attempt %d/%d), retrying in %s: %v",
			op, i+1, maxRetries, backoff, err)
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return out, err
}
