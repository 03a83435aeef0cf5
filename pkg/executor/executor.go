// Package executor carries out planned uploads and deletes with bounded
// concurrency and per-item retries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yuya-takeyama/bucket-mirror/pkg/checksum"
	"github.com/yuya-takeyama/bucket-mirror/pkg/logger"
	"github.com/yuya-takeyama/bucket-mirror/pkg/metrics"
	"github.com/yuya-takeyama/bucket-mirror/pkg/planner"
	"github.com/yuya-takeyama/bucket-mirror/pkg/retry"
	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
)

const (
	DefaultConcurrency = 4
	DefaultCallTimeout = 60 * time.Second
)

var (
	ErrFileChanged  = errors.New("file changed during upload")
	ErrFileVanished = errors.New("file vanished before upload")
)

// UploadError is the final error of one item after retries.
type UploadError struct {
	Action    planner.Action
	RelPath   string
	Key       string
	Attempts  int
	Retryable bool
	Err       error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("%s %s -> %s failed after %d attempt(s): %v", e.Action, e.RelPath, e.Key, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Outcome is the result for one item. Started is false for items that
// were never attempted because the run was cancelled first.
type Outcome struct {
	Item     planner.Item
	Started  bool
	Attempts int
	Err      error
}

func (o Outcome) Succeeded() bool {
	return o.Started && o.Err == nil
}

type Options struct {
	Bucket      string
	Concurrency int
	Retry       retry.Policy
	CallTimeout time.Duration
	Logger      logger.Logger
	Metrics     *metrics.Metrics
}

type Executor struct {
	client storage.Client
	opts   Options
	log    logger.Logger
}

func New(client storage.Client, opts Options) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Executor{client: client, opts: opts, log: logger.OrNull(opts.Logger)}
}

// Execute uploads the given items. Non-upload items are returned as
// unstarted outcomes.
func (e *Executor) Execute(ctx context.Context, items []planner.Item) []Outcome {
	return e.run(ctx, items, planner.ActionUpload, e.upload)
}

// Delete removes the objects of the given delete items. An object that is
// already gone counts as deleted.
func (e *Executor) Delete(ctx context.Context, items []planner.Item) []Outcome {
	return e.run(ctx, items, planner.ActionDelete, e.delete)
}

// run starts one goroutine per item, holding at most Concurrency at once.
// Outcomes are written to their own slot so no locking is needed. Once ctx
// is done no further item starts; items already running finish their
// current attempt.
func (e *Executor) run(ctx context.Context, items []planner.Item, action planner.Action,
	fn func(ctx context.Context, item planner.Item) (int, error)) []Outcome {
	outcomes := make([]Outcome, len(items))
	sem := semaphore.NewWeighted(int64(e.opts.Concurrency))
	var wg sync.WaitGroup

	for i, item := range items {
		outcomes[i].Item = item
		if item.Action != action {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			break
		}

		outcomes[i].Started = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			attempts, err := fn(ctx, item)
			if attempts == 0 && ctx.Err() != nil {
				outcomes[i].Started = false
				return
			}
			if err != nil {
				err = &UploadError{
					Action:    action,
					RelPath:   item.RelPath,
					Key:       item.Key,
					Attempts:  attempts,
					Retryable: storage.IsRetryable(err),
					Err:       err,
				}
				e.log.Error(string(action), item.RelPath, err)
			}
			outcomes[i].Attempts = attempts
			outcomes[i].Err = err
		}()
	}

	wg.Wait()
	return outcomes
}

func (e *Executor) policy(operation, target string) retry.Policy {
	p := e.opts.Retry
	p.OnRetry = func(attempt int, err error, _ time.Duration) {
		e.log.Retry(operation, target, attempt, err)
		e.opts.Metrics.Retry(operation)
	}
	return p
}

func (e *Executor) uri(key string) string {
	return fmt.Sprintf("s3://%s/%s", e.opts.Bucket, key)
}

func (e *Executor) upload(ctx context.Context, item planner.Item) (int, error) {
	e.log.Upload(item.AbsPath, e.uri(item.Key))

	// Calls are detached from cancellation so an attempt in flight is not
	// torn down half way; ctx still stops further retries.
	detached := context.WithoutCancel(ctx)
	contentType := guessContentType(item.AbsPath)

	attempts, err := e.policy("PutObject", e.uri(item.Key)).Do(ctx, func(int) error {
		err := e.putOnce(detached, item, contentType)
		e.opts.Metrics.Operation("PutObject", err)
		return err
	})
	if err == nil {
		e.opts.Metrics.BytesUploaded(item.Size)
	}
	return attempts, err
}

func (e *Executor) putOnce(ctx context.Context, item planner.Item, contentType string) error {
	f, err := os.Open(item.AbsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrFileVanished, err)
		}
		return fmt.Errorf("open %s: %w", item.AbsPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", item.AbsPath, err)
	}
	if info.Size() != item.Size {
		return fmt.Errorf("%w: size %d, planned %d", ErrFileChanged, info.Size(), item.Size)
	}

	tee := checksum.NewTeeReader(f)
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	err = e.client.PutObject(callCtx, &storage.PutObjectRequest{
		Bucket:      e.opts.Bucket,
		Key:         item.Key,
		Body:        tee,
		Size:        item.Size,
		Fingerprint: item.Fingerprint,
		ContentType: contentType,
	})
	if err != nil {
		return err
	}

	// Adapters may stop after Size bytes. Reading the rest makes a file
	// that grew after Stat show up as a mismatch.
	_, rerr := io.Copy(io.Discard, tee)
	sum, _ := tee.Checksum()
	if rerr == nil && sum == item.Fingerprint && tee.BytesRead() == item.Size {
		return nil
	}

	// The stored object does not match the fingerprint it was tagged with.
	// Remove it so a later run sees the key as new instead of unchanged.
	if derr := e.client.DeleteObject(ctx, &storage.DeleteObjectRequest{Bucket: e.opts.Bucket, Key: item.Key}); derr != nil {
		e.log.Error("delete mismatched object", item.Key, derr)
	}
	switch {
	case rerr != nil:
		return fmt.Errorf("%w: read %s: %v", ErrFileChanged, item.AbsPath, rerr)
	case tee.BytesRead() != item.Size:
		return fmt.Errorf("%w: read %d bytes, planned %d", ErrFileChanged, tee.BytesRead(), item.Size)
	}
	return fmt.Errorf("%w: streamed %s, planned %s", ErrFileChanged, sum, item.Fingerprint)
}

func (e *Executor) delete(ctx context.Context, item planner.Item) (int, error) {
	e.log.Delete(e.uri(item.Key))
	detached := context.WithoutCancel(ctx)

	return e.policy("DeleteObject", e.uri(item.Key)).Do(ctx, func(int) error {
		callCtx, cancel := context.WithTimeout(detached, e.opts.CallTimeout)
		defer cancel()

		err := e.client.DeleteObject(callCtx, &storage.DeleteObjectRequest{Bucket: e.opts.Bucket, Key: item.Key})
		if storage.IsNotFound(err) {
			err = nil
		}
		e.opts.Metrics.Operation("DeleteObject", err)
		return err
	})
}
