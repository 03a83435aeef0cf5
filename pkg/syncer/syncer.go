// Package syncer mirrors a local directory tree to a bucket prefix. It
// scans and indexes concurrently, plans, then uploads with bounded
// concurrency. Repeated runs never re-upload unchanged content.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/bucket-mirror/pkg/executor"
	"github.com/yuya-takeyama/bucket-mirror/pkg/index"
	"github.com/yuya-takeyama/bucket-mirror/pkg/lock"
	"github.com/yuya-takeyama/bucket-mirror/pkg/logger"
	"github.com/yuya-takeyama/bucket-mirror/pkg/metrics"
	"github.com/yuya-takeyama/bucket-mirror/pkg/pathmap"
	"github.com/yuya-takeyama/bucket-mirror/pkg/planner"
	"github.com/yuya-takeyama/bucket-mirror/pkg/retry"
	"github.com/yuya-takeyama/bucket-mirror/pkg/scanner"
	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
)

type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateIndexing  State = "indexing"
	StatePlanning  State = "planning"
	StateUploading State = "uploading"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

type Options struct {
	Concurrency      int
	FollowSymlinks   bool
	DeleteOrphans    bool
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	CallTimeout      time.Duration
	HashWorkers      int
	Excludes         []string
	Includes         []string
	DryRun           bool

	// Lock guards the prefix with a lock object and keeps a journal.
	Lock      bool
	ForceLock bool

	Logger  logger.Logger
	Metrics *metrics.Metrics
	// OnStateChange observes state transitions.
	OnStateChange func(State)
}

func DefaultOptions() Options {
	return Options{
		Concurrency:      executor.DefaultConcurrency,
		MaxRetryAttempts: retry.DefaultMaxAttempts,
		RetryBaseDelay:   retry.DefaultBaseDelay,
		RetryMaxDelay:    retry.DefaultMaxDelay,
		CallTimeout:      executor.DefaultCallTimeout,
		HashWorkers:      scanner.DefaultWorkers,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = d.RetryBaseDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = d.RetryMaxDelay
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = d.CallTimeout
	}
	if o.HashWorkers <= 0 {
		o.HashWorkers = d.HashWorkers
	}
	return o
}

type Failure struct {
	RelPath string
	Err     error
}

// Result summarizes a run. For every local file scanned exactly one of
// Uploaded, Skipped, Failed or Pending accounts for it.
type Result struct {
	Uploaded      int
	Skipped       int
	Failed        []Failure
	Deleted       int
	DeleteFailed  []Failure
	Pending       int
	Incomplete    bool
	DryRun        bool
	BytesUploaded int64
	Plan          *planner.Plan
	// Outcomes holds one entry per executed upload or delete item, in
	// plan order within each phase.
	Outcomes []executor.Outcome
	State    State
	Duration time.Duration
}

// Scanned is the number of local files the run accounted for.
func (r *Result) Scanned() int {
	return r.Uploaded + r.Skipped + len(r.Failed) + r.Pending
}

type Syncer struct {
	client storage.Client
	opts   Options
	log    logger.Logger

	mu    sync.Mutex
	state State
	// notifyMu serializes OnStateChange; scan and index report concurrently.
	notifyMu sync.Mutex
}

func New(client storage.Client, opts Options) *Syncer {
	opts = opts.withDefaults()
	return &Syncer{
		client: client,
		opts:   opts,
		log:    logger.OrNull(opts.Logger),
		state:  StateIdle,
	}
}

// Sync is shorthand for New(client, opts).Sync.
func Sync(ctx context.Context, client storage.Client, bucket, localRoot, remotePrefix string, opts Options) (*Result, error) {
	return New(client, opts).Sync(ctx, bucket, localRoot, remotePrefix)
}

func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Syncer) setState(st State) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

func (s *Syncer) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: s.opts.MaxRetryAttempts,
		BaseDelay:   s.opts.RetryBaseDelay,
		MaxDelay:    s.opts.RetryMaxDelay,
	}
}

// Sync mirrors localRoot to bucket/remotePrefix. Errors that abort the run
// (unusable root, listing failure, lock held) are returned without a
// Result. Per-file failures are reported in Result.Failed with a nil
// error. Cancellation is not an error: the Result is marked Incomplete and
// the run ends Cancelled, with nothing uploaded when it happens before
// planning.
func (s *Syncer) Sync(ctx context.Context, bucket, localRoot, remotePrefix string) (result *Result, err error) {
	started := time.Now()
	defer func() {
		if err != nil {
			s.setState(StateFailed)
		}
	}()

	if bucket == "" {
		return nil, errors.New("bucket name cannot be empty")
	}
	mapper := pathmap.New(bucket, remotePrefix)
	var isControl func(key string) bool
	if s.opts.Lock {
		isControl = lock.ControlKeys(mapper)
	}

	scan, err := scanner.New(localRoot, scanner.Options{
		FollowSymlinks: s.opts.FollowSymlinks,
		Excludes:       s.opts.Excludes,
		Includes:       s.opts.Includes,
		Workers:        s.opts.HashWorkers,
		Logger:         s.opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	if s.opts.Lock && !s.opts.DryRun {
		l, err := lock.Acquire(ctx, s.client, mapper, lock.Options{
			Force:       s.opts.ForceLock,
			Retry:       s.retryPolicy(),
			CallTimeout: s.opts.CallTimeout,
			Logger:      s.opts.Logger,
		})
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelled(started), nil
			}
			return nil, err
		}
		defer func() {
			switch {
			case result == nil:
				l.Record("end sync (aborted)")
			case result.Incomplete:
				l.Record(fmt.Sprintf("end sync incomplete (uploaded=%d skipped=%d failed=%d pending=%d)", result.Uploaded, result.Skipped, len(result.Failed), result.Pending))
			default:
				l.Record(fmt.Sprintf("end sync (uploaded=%d skipped=%d failed=%d)", result.Uploaded, result.Skipped, len(result.Failed)))
			}
			if rerr := l.Release(ctx); rerr != nil {
				s.log.Error("release lock", l.Key(), rerr)
			}
		}()
	}

	idx := index.New(s.client, index.Options{
		Retry:       s.retryPolicy(),
		CallTimeout: s.opts.CallTimeout,
		Workers:     s.opts.Concurrency,
		Ignore:      isControl,
		Logger:      s.opts.Logger,
		Metrics:     s.opts.Metrics,
	})

	local, snap, err := s.gather(ctx, scan, idx, mapper)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(started), nil
		}
		return nil, err
	}

	if keys := planner.Compare(local, snap, mapper); len(keys) > 0 {
		s.log.Debug(fmt.Sprintf("resolving fingerprints for %d objects", len(keys)))
		snap, err = idx.Resolve(ctx, snap, keys)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelled(started), nil
			}
			return nil, fmt.Errorf("resolve fingerprints: %w", err)
		}
	}
	if ctx.Err() != nil {
		return s.cancelled(started), nil
	}

	s.setState(StatePlanning)
	planStart := time.Now()
	plan, err := planner.Generate(local, snap, mapper, planner.Options{
		DeleteOrphans: s.opts.DeleteOrphans,
		Excludes:      s.opts.Excludes,
		Includes:      s.opts.Includes,
		Protected:     isControl,
	})
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	s.opts.Metrics.ObservePhase("plan", time.Since(planStart))

	result = &Result{Plan: plan, DryRun: s.opts.DryRun}
	for _, d := range plan.Degraded {
		result.Failed = append(result.Failed, Failure{RelPath: d.RelPath, Err: d.Err})
		s.opts.Metrics.FilePlanned("degraded", "unreadable")
	}
	for _, it := range plan.Items {
		s.opts.Metrics.FilePlanned(string(it.Action), string(it.Reason))
		if it.Action == planner.ActionSkip {
			result.Skipped++
			s.log.Skip(it.RelPath, string(it.Reason))
		}
	}

	uploads, deletes := plan.Uploads(), plan.Deletes()
	if s.opts.DryRun {
		for _, it := range uploads {
			s.log.Upload(it.AbsPath, mapper.URI(it.Key))
		}
		for _, it := range deletes {
			s.log.Delete(mapper.URI(it.Key))
		}
		result.Pending = len(uploads)
		return s.finish(result, started, StateDone), nil
	}

	s.setState(StateUploading)
	exec := executor.New(s.client, executor.Options{
		Bucket:      bucket,
		Concurrency: s.opts.Concurrency,
		Retry:       s.retryPolicy(),
		CallTimeout: s.opts.CallTimeout,
		Logger:      s.opts.Logger,
		Metrics:     s.opts.Metrics,
	})

	uploadStart := time.Now()
	s.log.PhaseStart("upload", len(uploads))
	uploaded := exec.Execute(ctx, uploads)
	result.Outcomes = append(result.Outcomes, uploaded...)
	for _, o := range uploaded {
		switch {
		case !o.Started:
			result.Pending++
		case o.Err != nil:
			result.Failed = append(result.Failed, Failure{RelPath: o.Item.RelPath, Err: o.Err})
		default:
			result.Uploaded++
			result.BytesUploaded += o.Item.Size
		}
	}
	s.log.PhaseComplete("upload", result.Uploaded)
	s.opts.Metrics.ObservePhase("upload", time.Since(uploadStart))

	if len(deletes) > 0 {
		s.log.PhaseStart("delete", len(deletes))
		deleted := exec.Delete(ctx, deletes)
		result.Outcomes = append(result.Outcomes, deleted...)
		for _, o := range deleted {
			switch {
			case !o.Started:
			case o.Err != nil:
				result.DeleteFailed = append(result.DeleteFailed, Failure{RelPath: o.Item.RelPath, Err: o.Err})
			default:
				result.Deleted++
			}
		}
		s.log.PhaseComplete("delete", result.Deleted)
	}

	sort.SliceStable(result.Failed, func(i, j int) bool {
		return result.Failed[i].RelPath < result.Failed[j].RelPath
	})

	if ctx.Err() != nil {
		result.Incomplete = true
		return s.finish(result, started, StateCancelled), nil
	}
	if len(result.Failed) == 0 && len(result.DeleteFailed) == 0 {
		s.opts.Metrics.Succeeded(time.Now())
	}
	return s.finish(result, started, StateDone), nil
}

// cancelled is the Result of a run interrupted before anything was planned.
func (s *Syncer) cancelled(started time.Time) *Result {
	s.log.Debug("sync cancelled before planning")
	return s.finish(&Result{Plan: &planner.Plan{}, Incomplete: true, DryRun: s.opts.DryRun}, started, StateCancelled)
}

func (s *Syncer) finish(result *Result, started time.Time, st State) *Result {
	if result.Pending > 0 && !result.DryRun {
		result.Incomplete = true
	}
	result.State = st
	result.Duration = time.Since(started)
	s.setState(st)
	return result
}

// gather runs the local scan and the remote listing concurrently. Either
// failing cancels the other. Each reports its own state when it starts, so
// State() shows whichever began last until planning.
func (s *Syncer) gather(ctx context.Context, scan *scanner.Scanner, idx *index.Index, mapper pathmap.Mapper) ([]scanner.Entry, *index.Snapshot, error) {
	var (
		local []scanner.Entry
		snap  *index.Snapshot
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.setState(StateScanning)
		start := time.Now()
		s.log.PhaseStart("scan", 0)
		entries, err := scan.Scan(gctx)
		if err != nil {
			return fmt.Errorf("scan %s: %w", scan.Root(), err)
		}
		local = entries
		s.log.PhaseComplete("scan", len(entries))
		s.opts.Metrics.ObservePhase("scan", time.Since(start))
		return nil
	})
	g.Go(func() error {
		s.setState(StateIndexing)
		start := time.Now()
		s.log.PhaseStart("index", 0)
		built, err := idx.Build(gctx, mapper)
		if err != nil {
			return err
		}
		snap = built
		s.log.PhaseComplete("index", built.Len())
		s.opts.Metrics.ObservePhase("index", time.Since(start))
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return local, snap, nil
}
