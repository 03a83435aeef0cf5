// Package miniostore adapts a minio-go client to storage.Client.
package miniostore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
)

const defaultMaxKeys = 1000

// API is the subset of *minio.Client used by the adapter.
type API interface {
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error)
}

type Options struct {
	Endpoint string // host[:port], no scheme
	Secure   bool
	Region   string
}

type Client struct {
	api API
}

// New connects with credentials taken from the standard AWS and MinIO
// environment variables.
func New(opts Options) (*Client, error) {
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
	})
	api, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return NewFromAPI(api), nil
}

func NewFromAPI(api API) *Client {
	return &Client{api: api}
}

// ListObjects emulates continuation tokens with StartAfter: the token is
// the last key of the previous page.
func (c *Client) ListObjects(ctx context.Context, req *storage.ListObjectsRequest) (*storage.ListPage, error) {
	maxKeys := int(req.MaxKeys)
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := c.api.ListObjects(listCtx, req.Bucket, minio.ListObjectsOptions{
		Prefix:       req.Prefix,
		Recursive:    true,
		StartAfter:   req.ContinuationToken,
		MaxKeys:      maxKeys,
		WithMetadata: true,
	})

	page := &storage.ListPage{}
	for obj := range objects {
		if obj.Err != nil {
			return nil, classify("ListObjects", req.Bucket, "", obj.Err)
		}
		if len(page.Objects) == maxKeys {
			// one more object exists past this page
			page.NextToken = page.Objects[maxKeys-1].Key
			break
		}
		page.Objects = append(page.Objects, storage.ObjectSummary{
			Key:         obj.Key,
			Size:        obj.Size,
			ETag:        strings.Trim(obj.ETag, `"`),
			Fingerprint: fingerprintOf(obj),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) HeadObject(ctx context.Context, req *storage.HeadObjectRequest) (*storage.ObjectInfo, error) {
	obj, err := c.api.StatObject(ctx, req.Bucket, req.Key, minio.StatObjectOptions{})
	if err != nil {
		return nil, classify("HeadObject", req.Bucket, req.Key, err)
	}
	return &storage.ObjectInfo{
		Size:        obj.Size,
		ETag:        strings.Trim(obj.ETag, `"`),
		Fingerprint: fingerprintOf(obj),
	}, nil
}

func (c *Client) PutObject(ctx context.Context, req *storage.PutObjectRequest) error {
	opts := minio.PutObjectOptions{ContentType: req.ContentType}
	if req.Fingerprint != "" {
		opts.UserMetadata = map[string]string{storage.FingerprintMetadataKey: req.Fingerprint}
	}
	if _, err := c.api.PutObject(ctx, req.Bucket, req.Key, req.Body, req.Size, opts); err != nil {
		return classify("PutObject", req.Bucket, req.Key, err)
	}
	return nil
}

func (c *Client) DeleteObject(ctx context.Context, req *storage.DeleteObjectRequest) error {
	if err := c.api.RemoveObject(ctx, req.Bucket, req.Key, minio.RemoveObjectOptions{}); err != nil {
		return classify("DeleteObject", req.Bucket, req.Key, err)
	}
	return nil
}

func (c *Client) GetObject(ctx context.Context, req *storage.GetObjectRequest) (io.ReadCloser, error) {
	obj, err := c.api.GetObject(ctx, req.Bucket, req.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("GetObject", req.Bucket, req.Key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, classify("GetObject", req.Bucket, req.Key, err)
	}
	return obj, nil
}

// fingerprintOf looks up the fingerprint metadata. Listings report it with
// the X-Amz-Meta- prefix, StatObject without it.
func fingerprintOf(obj minio.ObjectInfo) string {
	for k, v := range obj.UserMetadata {
		name := strings.ToLower(k)
		name = strings.TrimPrefix(name, "x-amz-meta-")
		if name == storage.FingerprintMetadataKey && v != "" {
			return v
		}
	}
	if obj.ChecksumSHA256 != "" && !strings.Contains(obj.ChecksumSHA256, "-") {
		return obj.ChecksumSHA256
	}
	return ""
}

func classify(op, bucket, key string, err error) error {
	return storage.NewError(op, bucket, key, kindOf(err), err)
}

func kindOf(err error) storage.Kind {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return storage.KindNotFound
	case "SlowDown", "SlowDownRead", "SlowDownWrite", "RequestLimitExceeded":
		return storage.KindThrottled
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return storage.KindPermission
	case "InternalError", "ServiceUnavailable", "RequestTimeout", "XMinioServerNotInitialized":
		return storage.KindTransient
	case "InvalidArgument", "NoSuchBucket", "InvalidBucketName", "KeyTooLongError":
		return storage.KindInvalid
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return storage.KindNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return storage.KindPermission
	case code == http.StatusTooManyRequests:
		return storage.KindThrottled
	case code >= 500 && code < 600:
		return storage.KindTransient
	case code >= 400 && code < 500:
		return storage.KindInvalid
	}

	if storage.IsTransportError(err) {
		return storage.KindTransient
	}
	return storage.KindUnknown
}

var _ storage.Client = (*Client)(nil)
