package s3

import (
	"context"
	"errors"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rbaliyan/courier/store"
)

// mapError translates an AWS SDK error into the store error taxonomy.
// Modeled errors and API error codes are checked before falling back to
// the HTTP status, because the status alone can mislead: a missing bucket
// and a missing object are both 404, but only the latter is ErrNotFound.
func mapError(ctx context.Context, op, ref string, err error) error {
	if mapped, ok := store.MapCancellation(ctx, op, ref, err); ok {
		return mapped
	}

	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		// The container is gone, not the payload. Retryable once the
		// environment is fixed.
		return store.NewError(op, ref, store.ErrUnavailable, err)
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return store.NewError(op, ref, store.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return store.NewError(op, ref, store.ErrUnavailable, err)
		case "NoSuchKey", "NotFound":
			return store.NewError(op, ref, store.ErrNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return store.NewError(op, ref, store.ErrAccessDenied, err)
		case "PreconditionFailed":
			// S3 answers If-None-Match: * with 412 when the object
			// already exists.
			return store.NewError(op, ref, store.ErrAlreadyExists, err)
		case "ConditionalRequestConflict", "OperationAborted":
			// Another conditional write on the same key was in flight.
			return store.NewError(op, ref, store.ErrConditionalConflict, err)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded",
			"RequestTimeout", "InternalError", "ServiceUnavailable":
			return store.NewError(op, ref, store.ErrUnavailable, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return store.NewError(op, ref, store.ClassifyStatus(respErr.HTTPStatusCode()), err)
	}

	return store.NewError(op, ref, store.ErrUnclassified, err)
}
