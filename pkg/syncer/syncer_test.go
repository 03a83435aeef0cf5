package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/bucket-mirror/pkg/checksum"
	"github.com/yuya-takeyama/bucket-mirror/pkg/executor"
	"github.com/yuya-takeyama/bucket-mirror/pkg/index"
	"github.com/yuya-takeyama/bucket-mirror/pkg/lock"
	"github.com/yuya-takeyama/bucket-mirror/pkg/metrics"
	"github.com/yuya-takeyama/bucket-mirror/pkg/pathmap"
	"github.com/yuya-takeyama/bucket-mirror/pkg/scanner"
	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
	"github.com/yuya-takeyama/bucket-mirror/pkg/storage/memstore"
)

const bucket = "bkt"

func testOptions() Options {
	return Options{
		Concurrency:      3,
		MaxRetryAttempts: 3,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    2 * time.Millisecond,
		CallTimeout:      time.Second,
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func sampleTree(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "sub/b.txt", "world")
	return root
}

func assertAccounted(t *testing.T, res *Result) {
	t.Helper()
	total := len(res.Plan.Uploads()) + len(res.Plan.Skips()) + len(res.Plan.Degraded)
	assert.Equal(t, total, res.Scanned(), "every scanned file is accounted for once")
}

func TestSyncScenarios(t *testing.T) {
	root := sampleTree(t)
	store := memstore.New()
	ctx := context.Background()

	// first run uploads everything
	res, err := Sync(ctx, store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 0, res.Skipped)
	assert.Empty(t, res.Failed)
	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.Incomplete)
	assert.Equal(t, int64(10), res.BytesUploaded)
	assert.Equal(t, []string{"pfx/a.txt", "pfx/sub/b.txt"}, store.Keys(bucket))

	a, _ := store.Object(bucket, "pfx/a.txt")
	assert.Equal(t, "hello", string(a.Data))
	assert.Equal(t, checksum.Bytes([]byte("hello")), a.Fingerprint)
	assertAccounted(t, res)

	// unchanged tree: nothing uploaded
	puts := store.Calls("PutObject")
	res, err = Sync(ctx, store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, puts, store.Calls("PutObject"))

	// same size, new content
	writeFile(t, root, "a.txt", "HELLO")
	res, err = Sync(ctx, store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Skipped)
	a, _ = store.Object(bucket, "pfx/a.txt")
	assert.Equal(t, "HELLO", string(a.Data))

	// new file
	writeFile(t, root, "sub/c.txt", "new")
	res, err = Sync(ctx, store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 2, res.Skipped)
	assertAccounted(t, res)
}

func TestSyncIgnoresModTime(t *testing.T) {
	root := sampleTree(t)
	store := memstore.New()
	ctx := context.Background()

	_, err := Sync(ctx, store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), future, future))

	res, err := Sync(ctx, store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, 2, res.Skipped)
}

func TestSyncResolvesFingerprintsWithHead(t *testing.T) {
	root := sampleTree(t)
	store := memstore.New()
	// objects uploaded by this tool earlier; the listing carries no metadata
	store.Put(bucket, "pfx/a.txt", []byte("hello"), checksum.Bytes([]byte("hello")))
	store.Put(bucket, "pfx/sub/b.txt", []byte("other content"), "")

	res, err := Sync(context.Background(), store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Uploaded)
	// only a.txt had an equal size; b.txt differs in size and needs no HEAD
	assert.Equal(t, 1, store.Calls("HeadObject"))
}

func TestSyncForeignObjectWithoutFingerprint(t *testing.T) {
	root := sampleTree(t)
	store := memstore.New()
	store.Put(bucket, "pfx/a.txt", []byte("hello"), "")

	res, err := Sync(context.Background(), store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)

	res, err = Sync(context.Background(), store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
}

func TestSyncPartialFailure(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"f1", "f2", "f3", "f4", "f5"} {
		writeFile(t, root, name, "content of "+name)
	}
	store := memstore.New()
	store.SetFault(func(op, key string, call int) error {
		if op == "PutObject" && key == "pfx/f3" {
			return storage.NewError(op, bucket, key, storage.KindPermission, errors.New("access denied"))
		}
		return nil
	})

	res, err := Sync(context.Background(), store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)

	assert.Equal(t, 4, res.Uploaded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "f3", res.Failed[0].RelPath)
	var upErr *executor.UploadError
	assert.ErrorAs(t, res.Failed[0].Err, &upErr)
	assert.Equal(t, StateDone, res.State)
	assertAccounted(t, res)

	// the failed file is retried on the next run, the rest skipped
	store.SetFault(nil)
	res, err = Sync(context.Background(), store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 4, res.Skipped)
}

func TestSyncTransientFailuresRecover(t *testing.T) {
	root := sampleTree(t)
	store := memstore.New()
	store.SetFault(func(op, key string, call int) error {
		if call == 1 {
			return storage.NewError(op, bucket, key, storage.KindThrottled, errors.New("slow down"))
		}
		return nil
	})

	res, err := Sync(context.Background(), store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.Empty(t, res.Failed)
}

func TestSyncAbortsOnIndexFailure(t *testing.T) {
	root := sampleTree(t)
	store := memstore.New()
	store.SetFault(func(op, key string, call int) error {
		if op == "ListObjects" {
			return storage.NewError(op, bucket, "", storage.KindTransient, errors.New("503"))
		}
		return nil
	})

	var states []State
	opts := testOptions()
	opts.OnStateChange = func(s State) { states = append(states, s) }
	s := New(store, opts)

	res, err := s.Sync(context.Background(), bucket, root, "pfx")
	assert.Nil(t, res)
	var idxErr *index.IndexError
	require.ErrorAs(t, err, &idxErr)
	assert.Equal(t, 0, store.Calls("PutObject"))
	assert.Equal(t, StateFailed, s.State())
	require.Len(t, states, 3)
	assert.ElementsMatch(t, []State{StateScanning, StateIndexing}, states[:2])
	assert.Equal(t, StateFailed, states[2])
}

func TestSyncAbortsOnInvalidRoot(t *testing.T) {
	store := memstore.New()
	_, err := Sync(context.Background(), store, bucket, filepath.Join(t.TempDir(), "nope"), "pfx", testOptions())
	var scanErr *scanner.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, 0, store.Calls("ListObjects"))
}

func TestSyncRejectsEmptyBucket(t *testing.T) {
	_, err := Sync(context.Background(), memstore.New(), "", t.TempDir(), "pfx", testOptions())
	assert.Error(t, err)
}

func TestSyncEmptyTree(t *testing.T) {
	res, err := Sync(context.Background(), memstore.New(), bucket, t.TempDir(), "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned())
	assert.Equal(t, StateDone, res.State)
}

func TestSyncDegradedFileCountsAsFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := sampleTree(t)
	writeFile(t, root, "secret", "s")
	require.NoError(t, os.Chmod(filepath.Join(root, "secret"), 0))

	res, err := Sync(context.Background(), memstore.New(), bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "secret", res.Failed[0].RelPath)
	assertAccounted(t, res)
}

func TestSyncDeleteOrphans(t *testing.T) {
	root := sampleTree(t)
	store := memstore.New()
	store.Put(bucket, "pfx/old.txt", []byte("old"), "")
	store.Put(bucket, "pfx/keep.log", []byte("log"), "")
	store.Put(bucket, "pfx2/untouched", []byte("x"), "")
	store.Put(bucket, "pfx/.bucket-mirror.log", []byte("journal"), "")

	opts := testOptions()
	opts.DeleteOrphans = true
	opts.Excludes = []string{"*.log"}
	res, err := Sync(context.Background(), store, bucket, root, "pfx", opts)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Deleted)
	assert.Empty(t, res.DeleteFailed)
	assert.Equal(t, []string{
		"pfx/.bucket-mirror.log",
		"pfx/a.txt",
		"pfx/keep.log",
		"pfx/sub/b.txt",
		"pfx2/untouched",
	}, store.Keys(bucket))
}

func TestSyncKeepsOrphansByDefault(t *testing.T) {
	root := sampleTree(t)
	store := memstore.New()
	store.Put(bucket, "pfx/old.txt", []byte("old"), "")

	res, err := Sync(context.Background(), store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)
	_, ok := store.Object(bucket, "pfx/old.txt")
	assert.True(t, ok)
}

func TestSyncDryRun(t *testing.T) {
	root := sampleTree(t)
	store := memstore.New()
	opts := testOptions()
	opts.DryRun = true
	opts.Lock = true

	res, err := Sync(context.Background(), store, bucket, root, "pfx", opts)
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, 2, res.Pending)
	assert.False(t, res.Incomplete)
	assert.Len(t, res.Plan.Uploads(), 2)
	assert.Empty(t, store.Keys(bucket))
	assert.Equal(t, 0, store.Calls("PutObject"))
}

func TestSyncWithLock(t *testing.T) {
	root := sampleTree(t)
	store := memstore.New()
	opts := testOptions()
	opts.Lock = true

	res, err := Sync(context.Background(), store, bucket, root, "pfx", opts)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)

	_, locked := store.Object(bucket, lock.LockKey(pathmap.New(bucket, "pfx")))
	assert.False(t, locked, "lock is released")
	journal, ok := store.Object(bucket, "pfx/.bucket-mirror.log")
	require.True(t, ok)
	assert.Contains(t, string(journal.Data), "end sync (uploaded=2 skipped=0 failed=0)")

	// the journal and lock never become orphans or uploads
	opts.DeleteOrphans = true
	res, err = Sync(context.Background(), store, bucket, root, "pfx", opts)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, 2, res.Skipped)
}

func TestSyncLockHeld(t *testing.T) {
	root := sampleTree(t)
	store := memstore.New()
	store.Put(bucket, "pfx/.bucket-mirror.lock", []byte("someone else"), "")
	opts := testOptions()
	opts.Lock = true

	_, err := Sync(context.Background(), store, bucket, root, "pfx", opts)
	var locked *lock.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 0, store.Calls("PutObject"))

	opts.ForceLock = true
	res, err := Sync(context.Background(), store, bucket, root, "pfx", opts)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
}

func TestSyncCancelledBeforePlanning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var states []State
	opts := testOptions()
	opts.OnStateChange = func(s State) { states = append(states, s) }

	store := memstore.New()
	res, err := Sync(ctx, store, bucket, sampleTree(t), "pfx", opts)
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Equal(t, StateCancelled, res.State)
	assert.Zero(t, res.Uploaded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 0, store.Calls("PutObject"))
	assert.Equal(t, StateCancelled, states[len(states)-1])
	assert.NotContains(t, states, StateFailed)
}

func TestSyncCancelledWhileIndexing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memstore.New()
	store.SetFault(func(op, key string, call int) error {
		if op == "ListObjects" {
			cancel()
			return context.Canceled
		}
		return nil
	})

	opts := testOptions()
	opts.Lock = true
	res, err := Sync(ctx, store, bucket, sampleTree(t), "pfx", opts)
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Equal(t, StateCancelled, res.State)
	// only the journal remains: the lock is released and nothing was uploaded
	assert.Equal(t, []string{"pfx/.bucket-mirror.log"}, store.Keys(bucket))
}

func TestSyncControlNamesWithoutLock(t *testing.T) {
	root := sampleTree(t)
	writeFile(t, root, ".bucket-mirror.lock", "user data")
	store := memstore.New()
	store.Put(bucket, "pfx/.bucket-mirror.log", []byte("stale"), "")

	opts := testOptions()
	opts.DeleteOrphans = true
	res, err := Sync(context.Background(), store, bucket, root, "pfx", opts)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 3, res.Uploaded)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, []string{"pfx/.bucket-mirror.lock", "pfx/a.txt", "pfx/sub/b.txt"}, store.Keys(bucket))
}

// blockingStore holds every PutObject until released.
type blockingStore struct {
	*memstore.Store
	started chan struct{}
	release chan struct{}
}

func (b *blockingStore) PutObject(ctx context.Context, req *storage.PutObjectRequest) error {
	b.started <- struct{}{}
	<-b.release
	return b.Store.PutObject(ctx, req)
}

func TestSyncCancelledWhileUploading(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"f1", "f2", "f3", "f4", "f5", "f6"} {
		writeFile(t, root, name, name)
	}
	store := &blockingStore{Store: memstore.New(), started: make(chan struct{}, 6), release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	opts := testOptions()
	opts.Concurrency = 2
	opts.Metrics = metrics.New()

	var (
		res *Result
		err error
		wg  sync.WaitGroup
	)
	s := New(store, opts)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err = s.Sync(ctx, bucket, root, "pfx")
	}()

	<-store.started
	<-store.started
	cancel()
	close(store.release)
	wg.Wait()

	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 4, res.Pending)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 6, res.Scanned())

	// a rerun completes the mirror without re-uploading finished files
	res, err = Sync(context.Background(), store.Store, bucket, root, "pfx", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Uploaded)
	assert.Equal(t, 2, res.Skipped)
}

func TestSyncMetrics(t *testing.T) {
	root := sampleTree(t)
	opts := testOptions()
	opts.Metrics = metrics.New()

	_, err := Sync(context.Background(), memstore.New(), bucket, root, "pfx", opts)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sync.prom")
	require.NoError(t, opts.Metrics.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `bucket_mirror_files_planned_total{action="upload",reason="new"} 2`)
	assert.Contains(t, string(data), "bucket_mirror_uploaded_bytes_total 10")
}
