// Package storage defines the object-storage capability the sync engine
// depends on. Concrete backends live in the sub-packages.
package storage

import (
	"context"
	"io"
)

// FingerprintMetadataKey is the user-metadata key under which adapters store
// the content fingerprint of an uploaded object.
const FingerprintMetadataKey = "sha256"

type ObjectSummary struct {
	Key         string
	Size        int64
	ETag        string
	Fingerprint string // empty when the listing carries no content digest
}

type ListPage struct {
	Objects   []ObjectSummary
	NextToken string // empty when the listing is exhausted
}

type ObjectInfo struct {
	Size        int64
	ETag        string
	Fingerprint string
}

type ListObjectsRequest struct {
	Bucket            string
	Prefix            string
	ContinuationToken string
	MaxKeys           int32
}

type HeadObjectRequest struct {
	Bucket string
	Key    string
}

type PutObjectRequest struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Size        int64
	Fingerprint string
	ContentType string
}

type DeleteObjectRequest struct {
	Bucket string
	Key    string
}

type GetObjectRequest struct {
	Bucket string
	Key    string
}

// Client is implemented by every backend adapter. Failures should be
// returned as *Error so callers can tell transient failures apart.
// PutObject may stop reading Body after Size bytes.
type Client interface {
	ListObjects(ctx context.Context, req *ListObjectsRequest) (*ListPage, error)
	HeadObject(ctx context.Context, req *HeadObjectRequest) (*ObjectInfo, error)
	PutObject(ctx context.Context, req *PutObjectRequest) error
	DeleteObject(ctx context.Context, req *DeleteObjectRequest) error
	GetObject(ctx context.Context, req *GetObjectRequest) (io.ReadCloser, error)
}
