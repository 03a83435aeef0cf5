// Package index builds a read-only snapshot of the objects stored under a
// key prefix.
package index

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/bucket-mirror/pkg/logger"
	"github.com/yuya-takeyama/bucket-mirror/pkg/metrics"
	"github.com/yuya-takeyama/bucket-mirror/pkg/pathmap"
	"github.com/yuya-takeyama/bucket-mirror/pkg/retry"
	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
)

const (
	DefaultWorkers     = 8
	DefaultCallTimeout = 60 * time.Second
)

type Entry struct {
	Key         string
	Fingerprint string
	ETag        string
	Size        int64
}

// Snapshot is a point-in-time view of the remote objects under a prefix,
// keyed by full object key. It is never modified after creation.
type Snapshot struct {
	bucket  string
	entries map[string]Entry
}

func NewSnapshot(bucket string, entries []Entry) *Snapshot {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.Key] = e
	}
	return &Snapshot{bucket: bucket, entries: m}
}

func (s *Snapshot) Bucket() string {
	if s == nil {
		return ""
	}
	return s.bucket
}

func (s *Snapshot) Get(key string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	e, ok := s.entries[key]
	return e, ok
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Keys returns all keys in sorted order.
func (s *Snapshot) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type IndexError struct {
	Bucket string
	Prefix string
	Page   int
	Err    error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index s3://%s/%s (page %d): %v", e.Bucket, e.Prefix, e.Page, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

type Options struct {
	Retry       retry.Policy
	CallTimeout time.Duration
	// Workers bounds concurrent HeadObject calls in Resolve.
	Workers int
	// Ignore drops keys from the snapshot, e.g. control objects.
	Ignore  func(key string) bool
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

type Index struct {
	client storage.Client
	opts   Options
	log    logger.Logger
}

func New(client storage.Client, opts Options) *Index {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Index{client: client, opts: opts, log: logger.OrNull(opts.Logger)}
}

func (x *Index) policy(operation, target string) retry.Policy {
	p := x.opts.Retry
	p.OnRetry = func(attempt int, err error, _ time.Duration) {
		x.log.Retry(operation, target, attempt, err)
		x.opts.Metrics.Retry(operation)
	}
	return p
}

// Build lists every object under the mapper's prefix. Each page is retried
// on transient failures; a page that keeps failing aborts with
// *IndexError. Keys that do not map back to a relative path are skipped.
func (x *Index) Build(ctx context.Context, mapper pathmap.Mapper) (*Snapshot, error) {
	bucket, prefix := mapper.Bucket(), mapper.ListPrefix()
	entries := map[string]Entry{}

	token := ""
	for page := 1; ; page++ {
		var result *storage.ListPage
		_, err := x.policy("ListObjects", mapper.URI(prefix)).Do(ctx, func(int) error {
			callCtx, cancel := context.WithTimeout(ctx, x.opts.CallTimeout)
			defer cancel()

			var err error
			result, err = x.client.ListObjects(callCtx, &storage.ListObjectsRequest{
				Bucket:            bucket,
				Prefix:            prefix,
				ContinuationToken: token,
			})
			return err
		})
		x.opts.Metrics.Operation("ListObjects", err)
		if err != nil {
			return nil, &IndexError{Bucket: bucket, Prefix: prefix, Page: page, Err: err}
		}

		for _, obj := range result.Objects {
			if _, ok := mapper.RelPath(obj.Key); !ok {
				x.log.Debug("ignoring unmappable key " + obj.Key)
				continue
			}
			if x.opts.Ignore != nil && x.opts.Ignore(obj.Key) {
				continue
			}
			entries[obj.Key] = Entry{
				Key:         obj.Key,
				Fingerprint: obj.Fingerprint,
				ETag:        obj.ETag,
				Size:        obj.Size,
			}
		}

		if result.NextToken == "" {
			break
		}
		if result.NextToken == token {
			return nil, &IndexError{Bucket: bucket, Prefix: prefix, Page: page,
				Err: fmt.Errorf("listing did not advance past token %q", token)}
		}
		token = result.NextToken
	}

	return &Snapshot{bucket: bucket, entries: entries}, nil
}

// Resolve fetches fingerprints for the given keys whose entries carry none
// and returns a new snapshot; snap itself is left untouched. A key that
// turns out to be gone is dropped. Any other failure leaves the
// fingerprint empty, which makes the planner re-upload the file.
func (x *Index) Resolve(ctx context.Context, snap *Snapshot, keys []string) (*Snapshot, error) {
	var todo []string
	for _, k := range keys {
		if e, ok := snap.Get(k); ok && e.Fingerprint == "" {
			todo = append(todo, k)
		}
	}

	next := make(map[string]Entry, snap.Len())
	if snap != nil {
		for k, e := range snap.entries {
			next[k] = e
		}
	}
	if len(todo) == 0 {
		return &Snapshot{bucket: snap.Bucket(), entries: next}, nil
	}

	type resolved struct {
		info *storage.ObjectInfo
		gone bool
	}
	results := make([]resolved, len(todo))
	bucket := snap.Bucket()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.opts.Workers)
	for i, key := range todo {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var info *storage.ObjectInfo
			_, err := x.policy("HeadObject", key).Do(gctx, func(int) error {
				callCtx, cancel := context.WithTimeout(gctx, x.opts.CallTimeout)
				defer cancel()

				var err error
				info, err = x.client.HeadObject(callCtx, &storage.HeadObjectRequest{Bucket: bucket, Key: key})
				return err
			})
			x.opts.Metrics.Operation("HeadObject", err)
			switch {
			case err == nil:
				results[i] = resolved{info: info}
			case storage.IsNotFound(err):
				results[i] = resolved{gone: true}
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				x.log.Error("head object", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, key := range todo {
		r := results[i]
		switch {
		case r.gone:
			delete(next, key)
		case r.info != nil:
			e := next[key]
			e.Fingerprint = r.info.Fingerprint
			if r.info.ETag != "" {
				e.ETag = r.info.ETag
			}
			e.Size = r.info.Size
			next[key] = e
		}
	}
	return &Snapshot{bucket: bucket, entries: next}, nil
}
