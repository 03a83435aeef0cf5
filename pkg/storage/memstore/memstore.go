// Package memstore is an in-memory storage.Client with fault injection,
// used to exercise the sync engine without a network.
package memstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
)

type Object struct {
	Data        []byte
	Fingerprint string
	ContentType string
}

// Fault decides whether a call fails. It receives the operation name
// ("ListObjects", "HeadObject", "PutObject", "DeleteObject", "GetObject"),
// the key (or continuation token for listings) and the 1-based number of
// times that op/key pair has been called.
type Fault func(op, key string, call int) error

type Store struct {
	mu       sync.Mutex
	buckets  map[string]map[string]*Object
	calls    map[string]int
	fault    Fault
	pageSize int

	// ListFingerprints makes listings report fingerprints, like a backend
	// that returns user metadata in list results.
	ListFingerprints bool
}

func New() *Store {
	return &Store{
		buckets:  map[string]map[string]*Object{},
		calls:    map[string]int{},
		pageSize: 1000,
	}
}

func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

func (s *Store) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// Put stores an object directly, bypassing faults.
func (s *Store) Put(bucket, key string, data []byte, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(bucket)[key] = &Object{Data: append([]byte(nil), data...), Fingerprint: fingerprint}
}

func (s *Store) Object(bucket, key string) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.bucket(bucket)[key]
	return obj, ok
}

func (s *Store) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls returns how many times op was invoked, over all keys.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Store) bucket(name string) map[string]*Object {
	b, ok := s.buckets[name]
	if !ok {
		b = map[string]*Object{}
		s.buckets[name] = b
	}
	return b
}

func (s *Store) enter(op, key string) error {
	s.mu.Lock()
	s.calls[op]++
	s.calls[op+"\x00"+key]++
	n := s.calls[op+"\x00"+key]
	fault := s.fault
	s.mu.Unlock()

	if fault != nil {
		return fault(op, key, n)
	}
	return nil
}

func (s *Store) ListObjects(ctx context.Context, req *storage.ListObjectsRequest) (*storage.ListPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.enter("ListObjects", req.ContinuationToken); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for k := range s.bucket(req.Bucket) {
		if strings.HasPrefix(k, req.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if req.ContinuationToken != "" {
		n, err := strconv.Atoi(req.ContinuationToken)
		if err != nil {
			return nil, storage.NewError("ListObjects", req.Bucket, "", storage.KindInvalid, fmt.Errorf("bad token %q", req.ContinuationToken))
		}
		start = n
	}
	size := s.pageSize
	if req.MaxKeys > 0 && int(req.MaxKeys) < size {
		size = int(req.MaxKeys)
	}
	end := start + size
	if end > len(keys) {
		end = len(keys)
	}

	page := &storage.ListPage{}
	for _, k := range keys[start:end] {
		obj := s.buckets[req.Bucket][k]
		summary := storage.ObjectSummary{Key: k, Size: int64(len(obj.Data)), ETag: etag(obj.Data)}
		if s.ListFingerprints {
			summary.Fingerprint = obj.Fingerprint
		}
		page.Objects = append(page.Objects, summary)
	}
	if end < len(keys) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (s *Store) HeadObject(ctx context.Context, req *storage.HeadObjectRequest) (*storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.enter("HeadObject", req.Key); err != nil {
		return nil, err
	}

	obj, ok := s.Object(req.Bucket, req.Key)
	if !ok {
		return nil, storage.NewError("HeadObject", req.Bucket, req.Key, storage.KindNotFound, storage.ErrNotFound)
	}
	return &storage.ObjectInfo{Size: int64(len(obj.Data)), ETag: etag(obj.Data), Fingerprint: obj.Fingerprint}, nil
}

func (s *Store) PutObject(ctx context.Context, req *storage.PutObjectRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.enter("PutObject", req.Key); err != nil {
		return err
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return storage.NewError("PutObject", req.Bucket, req.Key, storage.KindTransient, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket(req.Bucket)[req.Key] = &Object{Data: data, Fingerprint: req.Fingerprint, ContentType: req.ContentType}
	return nil
}

func (s *Store) DeleteObject(ctx context.Context, req *storage.DeleteObjectRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.enter("DeleteObject", req.Key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bucket(req.Bucket), req.Key)
	return nil
}

func (s *Store) GetObject(ctx context.Context, req *storage.GetObjectRequest) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.enter("GetObject", req.Key); err != nil {
		return nil, err
	}

	obj, ok := s.Object(req.Bucket, req.Key)
	if !ok {
		return nil, storage.NewError("GetObject", req.Bucket, req.Key, storage.KindNotFound, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.Data)), nil
}

func etag(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:8])
}

var _ storage.Client = (*Store)(nil)
