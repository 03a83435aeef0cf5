package s3store

import (
	"errors"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
)

// classify maps an SDK error onto a storage error kind.
func classify(op, bucket, key string, err error) error {
	return storage.NewError(op, bucket, key, kindOf(err), err)
}

func kindOf(err error) storage.Kind {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return storage.KindNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
			return storage.KindThrottled
		case "ServiceUnavailable", "InternalError", "RequestTimeout", "RequestTimeoutException":
			return storage.KindTransient
		case "NoSuchKey", "NotFound":
			return storage.KindNotFound
		case "AccessDenied", "AllAccessDisabled", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return storage.KindPermission
		case "InvalidArgument", "KeyTooLongError", "InvalidRequest", "NoSuchBucket", "InvalidBucketName":
			return storage.KindInvalid
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		switch {
		case code == 404:
			return storage.KindNotFound
		case code == 401 || code == 403:
			return storage.KindPermission
		case code == 429:
			return storage.KindThrottled
		case code >= 500 && code < 600:
			return storage.KindTransient
		case code >= 400 && code < 500:
			return storage.KindInvalid
		}
	}

	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) || storage.IsTransportError(err) {
		return storage.KindTransient
	}
	return storage.KindUnknown
}
