package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3 is a Transport that fetches objects from an S3 bucket. The url passed
// to Fetch is interpreted as the object key. Resumption uses ranged
// GetObject requests, which S3 supports natively.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 creates an S3 transport for the given bucket.
func NewS3(client *s3.Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (t *S3) Fetch(ctx context.Context, key string, offset int64) (io.ReadCloser, int64, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	out, err := t.client.GetObject(ctx, input)
	if err != nil {
		if isNotFoundError(err) {
			return nil, -1, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, t.bucket, key)
		}
		if offset > 0 && isInvalidRangeError(err) {
			return nil, -1, ErrResumeNotSupported
		}
		return nil, -1, fmt.Errorf("failed to get s3://%s/%s: %w", t.bucket, key, err)
	}

	total := int64(-1)
	if offset > 0 {
		total = totalFromContentRange(aws.ToString(out.ContentRange))
	} else if out.ContentLength != nil {
		total = *out.ContentLength
	}
	return out.Body, total, nil
}

// isNotFoundError returns true if the error indicates the object doesn't exist.
func isNotFoundError(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}

// isInvalidRangeError returns true if the error indicates an invalid byte range.
func isInvalidRangeError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InvalidRange"
	}
	return false
}
