// Package s3store adapts an aws-sdk-go-v2 S3 client to storage.Client.
package s3store

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
)

const defaultPartSize = 16 * 1024 * 1024 // 16MB

// API is the subset of *s3.Client used by the adapter.
type API interface {
	manager.UploadAPIClient
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Options struct {
	// Endpoint overrides the S3 endpoint (MinIO, LocalStack...).
	Endpoint string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
	// PartSize is the multipart threshold and part size of the uploader.
	PartSize int64
}

type Client struct {
	api      API
	uploader *manager.Uploader
}

// New builds a client from an AWS config. The SDK retryer is limited to a
// single attempt because the sync engine applies its own retry budget.
func New(cfg aws.Config, opts Options) *Client {
	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
		o.Retryer = retry.AddWithMaxAttempts(retry.NewStandard(), 1)
	})
	return NewFromAPI(api, opts.PartSize)
}

func NewFromAPI(api API, partSize int64) *Client {
	if partSize < manager.MinUploadPartSize {
		partSize = defaultPartSize
	}
	return &Client{
		api: api,
		uploader: manager.NewUploader(api, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.Concurrency = 1
		}),
	}
}

func (c *Client) ListObjects(ctx context.Context, req *storage.ListObjectsRequest) (*storage.ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(req.Bucket),
		Prefix: aws.String(req.Prefix),
	}
	if req.ContinuationToken != "" {
		input.ContinuationToken = aws.String(req.ContinuationToken)
	}
	if req.MaxKeys > 0 {
		input.MaxKeys = aws.Int32(req.MaxKeys)
	}

	out, err := c.api.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, classify("ListObjects", req.Bucket, "", err)
	}

	page := &storage.ListPage{}
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		page.Objects = append(page.Objects, storage.ObjectSummary{
			Key:  aws.ToString(obj.Key),
			Size: aws.ToInt64(obj.Size),
			ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

func (c *Client) HeadObject(ctx context.Context, req *storage.HeadObjectRequest) (*storage.ObjectInfo, error) {
	resp, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(req.Bucket),
		Key:          aws.String(req.Key),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return nil, classify("HeadObject", req.Bucket, req.Key, err)
	}

	return &storage.ObjectInfo{
		Size:        aws.ToInt64(resp.ContentLength),
		ETag:        strings.Trim(aws.ToString(resp.ETag), `"`),
		Fingerprint: fingerprintOf(resp.Metadata, aws.ToString(resp.ChecksumSHA256)),
	}, nil
}

func (c *Client) PutObject(ctx context.Context, req *storage.PutObjectRequest) error {
	input := &s3.PutObjectInput{
		Bucket:            aws.String(req.Bucket),
		Key:               aws.String(req.Key),
		Body:              req.Body,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if req.Fingerprint != "" {
		input.Metadata = map[string]string{storage.FingerprintMetadataKey: req.Fingerprint}
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}

	if _, err := c.uploader.Upload(ctx, input); err != nil {
		return classify("PutObject", req.Bucket, req.Key, err)
	}
	return nil
}

func (c *Client) DeleteObject(ctx context.Context, req *storage.DeleteObjectRequest) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(req.Bucket),
		Key:    aws.String(req.Key),
	})
	if err != nil {
		return classify("DeleteObject", req.Bucket, req.Key, err)
	}
	return nil
}

func (c *Client) GetObject(ctx context.Context, req *storage.GetObjectRequest) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(req.Bucket),
		Key:    aws.String(req.Key),
	})
	if err != nil {
		return nil, classify("GetObject", req.Bucket, req.Key, err)
	}
	return out.Body, nil
}

// fingerprintOf prefers the digest recorded in user metadata. A full-object
// SHA-256 checksum is used otherwise; composite multipart checksums
// ("<digest>-<parts>") are not comparable to a local digest.
func fingerprintOf(metadata map[string]string, checksumSHA256 string) string {
	for k, v := range metadata {
		if strings.EqualFold(k, storage.FingerprintMetadataKey) && v != "" {
			return v
		}
	}
	if checksumSHA256 != "" && !strings.Contains(checksumSHA256, "-") {
		return checksumSHA256
	}
	return ""
}

var _ storage.Client = (*Client)(nil)
