// Package lock guards a remote prefix against concurrent runs with a lock
// object and keeps an operation journal next to it. Journal lines are
// stored newest first.
package lock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yuya-takeyama/bucket-mirror/pkg/checksum"
	"github.com/yuya-takeyama/bucket-mirror/pkg/logger"
	"github.com/yuya-takeyama/bucket-mirror/pkg/pathmap"
	"github.com/yuya-takeyama/bucket-mirror/pkg/retry"
	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
)

const (
	LockName    = ".bucket-mirror.lock"
	JournalName = ".bucket-mirror.log"

	DefaultCallTimeout = 60 * time.Second
)

func LockKey(m pathmap.Mapper) string    { return m.ListPrefix() + LockName }
func JournalKey(m pathmap.Mapper) string { return m.ListPrefix() + JournalName }

// ControlKeys returns a predicate matching the lock and journal keys of m.
func ControlKeys(m pathmap.Mapper) func(key string) bool {
	lockKey, journalKey := LockKey(m), JournalKey(m)
	return func(key string) bool {
		return key == lockKey || key == journalKey
	}
}

type LockedError struct {
	Key    string
	Holder string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s is locked (%s); rerun with force to override", e.Key, e.Holder)
}

// Holder identifies the run that owns a lock.
type Holder struct {
	RunID string
	Host  string
	User  string
}

func CurrentHolder() Holder {
	h := Holder{RunID: uuid.NewString(), Host: "unknown", User: "unknown"}
	if host, err := os.Hostname(); err == nil {
		h.Host = host
	}
	if u, err := user.Current(); err == nil {
		h.User = u.Username
	} else if name := os.Getenv("USER"); name != "" {
		h.User = name
	}
	return h
}

func (h Holder) line(at time.Time, op string) string {
	return fmt.Sprintf("%s/%s [%s]: %s: %s", h.Host, h.User, h.RunID, at.UTC().Format(time.RFC3339), op)
}

type Options struct {
	Force  bool
	Holder Holder
	Retry  retry.Policy
	// CallTimeout bounds each attempt of each remote call.
	CallTimeout time.Duration
	Logger      logger.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Lock struct {
	client     storage.Client
	bucket     string
	key        string
	journalKey string
	opts       Options
	log        logger.Logger

	mu      sync.Mutex
	journal []string
}

// Acquire takes the lock for the mapper's prefix. An existing lock fails
// with *LockedError unless Force is set. The journal is loaded and gets a
// "start sync" entry; it is written back by Release.
func Acquire(ctx context.Context, client storage.Client, mapper pathmap.Mapper, opts Options) (*Lock, error) {
	if opts.Holder.RunID == "" {
		opts.Holder = CurrentHolder()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	l := &Lock{
		client:     client,
		bucket:     mapper.Bucket(),
		key:        LockKey(mapper),
		journalKey: JournalKey(mapper),
		opts:       opts,
		log:        logger.OrNull(opts.Logger),
	}

	current, found, err := l.read(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if found {
		holder := strings.TrimSpace(current)
		if !opts.Force {
			return nil, &LockedError{Key: mapper.URI(l.key), Holder: holder}
		}
		l.log.Debug("overriding lock held by " + holder)
	}

	if err := l.write(ctx, l.key, opts.Holder.line(opts.Now(), "lock")+"\n"); err != nil {
		return nil, fmt.Errorf("write lock: %w", err)
	}

	journal, _, err := l.read(ctx, l.journalKey)
	if err != nil {
		l.log.Error("read journal", l.journalKey, err)
	}
	for _, line := range strings.Split(journal, "\n") {
		if line != "" {
			l.journal = append(l.journal, line)
		}
	}
	l.Record("start sync")
	return l, nil
}

func (l *Lock) Key() string {
	return l.key
}

// Record adds an entry to the top of the journal.
func (l *Lock) Record(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = append([]string{l.opts.Holder.line(l.opts.Now(), op)}, l.journal...)
}

// Journal returns the journal lines, newest first.
func (l *Lock) Journal() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.journal...)
}

// Release deletes the lock and writes the journal. It runs even when ctx
// is already cancelled so an interrupted run does not leave a stale lock.
func (l *Lock) Release(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if err := l.call(ctx, "DeleteObject", l.key, func(ctx context.Context) error {
		err := l.client.DeleteObject(ctx, &storage.DeleteObjectRequest{Bucket: l.bucket, Key: l.key})
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}); err != nil {
		errs = append(errs, fmt.Errorf("delete lock: %w", err))
	}

	content := strings.Join(l.Journal(), "\n") + "\n"
	if err := l.write(ctx, l.journalKey, content); err != nil {
		errs = append(errs, fmt.Errorf("write journal: %w", err))
	}
	return errors.Join(errs...)
}

func (l *Lock) call(ctx context.Context, operation, key string, fn func(context.Context) error) error {
	p := l.opts.Retry
	p.OnRetry = func(attempt int, err error, _ time.Duration) {
		l.log.Retry(operation, key, attempt, err)
	}
	_, err := p.Do(ctx, func(int) error {
		callCtx, cancel := context.WithTimeout(ctx, l.opts.CallTimeout)
		defer cancel()
		return fn(callCtx)
	})
	return err
}

func (l *Lock) read(ctx context.Context, key string) (string, bool, error) {
	var content string
	err := l.call(ctx, "GetObject", key, func(ctx context.Context) error {
		body, err := l.client.GetObject(ctx, &storage.GetObjectRequest{Bucket: l.bucket, Key: key})
		if err != nil {
			return err
		}
		defer body.Close()
		data, err := io.ReadAll(body)
		if err != nil {
			return storage.NewError("GetObject", l.bucket, key, storage.KindTransient, err)
		}
		content = string(data)
		return nil
	})
	if storage.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

func (l *Lock) write(ctx context.Context, key, content string) error {
	data := []byte(content)
	return l.call(ctx, "PutObject", key, func(ctx context.Context) error {
		return l.client.PutObject(ctx, &storage.PutObjectRequest{
			Bucket:      l.bucket,
			Key:         key,
			Body:        bytes.NewReader(data),
			Size:        int64(len(data)),
			Fingerprint: checksum.Bytes(data),
			ContentType: "text/plain; charset=utf-8",
		})
	})
}
