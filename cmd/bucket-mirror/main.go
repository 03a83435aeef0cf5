package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yuya-takeyama/bucket-mirror/pkg/logger"
	"github.com/yuya-takeyama/bucket-mirror/pkg/metrics"
	"github.com/yuya-takeyama/bucket-mirror/pkg/pathmap"
	"github.com/yuya-takeyama/bucket-mirror/pkg/storage"
	"github.com/yuya-takeyama/bucket-mirror/pkg/storage/miniostore"
	"github.com/yuya-takeyama/bucket-mirror/pkg/storage/s3store"
	"github.com/yuya-takeyama/bucket-mirror/pkg/syncer"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

var (
	dryRun          bool
	deleteFlag      bool
	excludes        []string
	includes        []string
	quiet           bool
	logLevel        string
	concurrency     int
	hashWorkers     int
	followSymlinks  bool
	maxAttempts     int
	retryBaseDelay  time.Duration
	callTimeout     time.Duration
	useLock         bool
	forceLock       bool
	profile         string
	region          string
	endpointURL     string
	pathStyle       bool
	backend         string
	planJSONFile    string
	resultJSONFile  string
	metricsTextfile string
)

func main() {
	defaults := syncer.DefaultOptions()

	rootCmd := &cobra.Command{
		Use:   "bucket-mirror <LocalPath> <S3Uri>",
		Short: "Mirror a local directory to an object storage prefix",
		Long: `bucket-mirror uploads a local directory tree to s3://bucket/prefix.
Files are compared by SHA-256 content fingerprint, so repeated runs never
re-upload unchanged content.`,
		Version:      fmt.Sprintf("%s (commit: %s, built at: %s by %s)", version, commit, date, builtBy),
		Args:         cobra.ExactArgs(2),
		RunE:         run,
		SilenceUsage: true,
	}

	flags := rootCmd.Flags()
	flags.BoolVar(&dryRun, "dryrun", false, "Shows operations without executing")
	flags.BoolVar(&deleteFlag, "delete", false, "Delete remote objects that have no local file")
	flags.StringSliceVar(&excludes, "exclude", nil, "Exclude patterns, doublestar syntax; a trailing / excludes a directory (multiple allowed)")
	flags.StringSliceVar(&includes, "include", nil, "Include patterns that override --exclude (multiple allowed)")
	flags.BoolVar(&quiet, "quiet", false, "Only report uploads, deletes and errors")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.IntVar(&concurrency, "concurrency", defaults.Concurrency, "Number of concurrent uploads")
	flags.IntVar(&hashWorkers, "hash-workers", envInt("BUCKET_MIRROR_HASH_WORKERS", defaults.HashWorkers), "Number of files fingerprinted concurrently")
	flags.BoolVar(&followSymlinks, "follow-symlinks", false, "Follow symbolic links")
	flags.IntVar(&maxAttempts, "max-attempts", defaults.MaxRetryAttempts, "Attempts per remote call before giving up")
	flags.DurationVar(&retryBaseDelay, "retry-base-delay", defaults.RetryBaseDelay, "Initial retry backoff")
	flags.DurationVar(&callTimeout, "call-timeout", defaults.CallTimeout, "Timeout of a single remote call")
	flags.BoolVar(&useLock, "lock", false, "Hold a lock object under the prefix and append to its journal")
	flags.BoolVar(&forceLock, "force", false, "Take the lock even if another run holds it")
	flags.StringVar(&profile, "profile", "", "AWS profile to use")
	flags.StringVar(&region, "region", "", "AWS region (uses default if not specified)")
	flags.StringVar(&endpointURL, "endpoint-url", os.Getenv("AWS_ENDPOINT_URL_S3"), "Custom endpoint URL")
	flags.BoolVar(&pathStyle, "path-style", envBool("AWS_S3_FORCE_PATH_STYLE"), "Use path-style addressing")
	flags.StringVar(&backend, "backend", "s3", "Storage backend (s3, minio)")
	flags.StringVar(&planJSONFile, "plan-json-file", "", "Path to output plan as JSON file")
	flags.StringVar(&resultJSONFile, "result-json-file", "", "Path to output result as JSON file")
	flags.StringVar(&metricsTextfile, "metrics-textfile", "", "Write prometheus metrics to this file (node_exporter textfile format)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	localPath := args[0]
	bucket, prefix, err := pathmap.ParseURI(args[1])
	if err != nil {
		return fmt.Errorf("second argument must be an S3 URI (s3://bucket/prefix): %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := logger.New(logLevel, quiet, dryRun)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	client, err := newClient(ctx)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if metricsTextfile != "" {
		m = metrics.New()
	}

	result, err := syncer.Sync(ctx, client, bucket, localPath, prefix, syncer.Options{
		Concurrency:      concurrency,
		FollowSymlinks:   followSymlinks,
		DeleteOrphans:    deleteFlag,
		MaxRetryAttempts: maxAttempts,
		RetryBaseDelay:   retryBaseDelay,
		CallTimeout:      callTimeout,
		HashWorkers:      hashWorkers,
		Excludes:         excludes,
		Includes:         includes,
		DryRun:           dryRun,
		Lock:             useLock,
		ForceLock:        forceLock,
		Logger:           log,
		Metrics:          m,
	})
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	mapper := pathmap.New(bucket, prefix)

	if planJSONFile != "" {
		if err := writeJSON(planJSONFile, buildPlanReport(mapper, result.Plan)); err != nil {
			return fmt.Errorf("failed to write plan JSON: %w", err)
		}
	}
	if resultJSONFile != "" && !dryRun {
		if err := writeJSON(resultJSONFile, buildResultReport(mapper, result)); err != nil {
			return fmt.Errorf("failed to write result JSON: %w", err)
		}
	}
	if err := m.WriteTextfile(metricsTextfile); err != nil {
		log.Error("write metrics", metricsTextfile, err)
	}

	log.Zap.Info(summaryLine(result),
		zap.Int("uploaded", result.Uploaded),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", len(result.Failed)),
		zap.Int("deleted", result.Deleted),
		zap.Int("pending", result.Pending),
		zap.Duration("duration", result.Duration),
	)

	switch {
	case result.Incomplete && result.State == syncer.StateCancelled && len(result.Plan.Items) == 0:
		return errors.New("sync interrupted before planning")
	case result.Incomplete && !result.DryRun:
		return fmt.Errorf("sync interrupted: %d files not attempted", result.Pending)
	case len(result.Failed)+len(result.DeleteFailed) > 0:
		return fmt.Errorf("%d operations failed", len(result.Failed)+len(result.DeleteFailed))
	}
	return nil
}

func newClient(ctx context.Context) (storage.Client, error) {
	switch backend {
	case "s3":
		var configOpts []func(*config.LoadOptions) error
		if profile != "" {
			configOpts = append(configOpts, config.WithSharedConfigProfile(profile))
		}
		if region != "" {
			configOpts = append(configOpts, config.WithRegion(region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return s3store.New(cfg, s3store.Options{Endpoint: endpointURL, UsePathStyle: pathStyle}), nil

	case "minio":
		opts, err := minioOptions(endpointURL, region)
		if err != nil {
			return nil, err
		}
		client, err := miniostore.New(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unknown backend %q (want s3 or minio)", backend)
	}
}

// minioOptions splits an endpoint URL into the host and TLS setting the
// minio client expects.
func minioOptions(endpoint, region string) (miniostore.Options, error) {
	if endpoint == "" {
		return miniostore.Options{}, fmt.Errorf("--endpoint-url is required for the minio backend")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return miniostore.Options{}, fmt.Errorf("invalid endpoint URL %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return miniostore.Options{}, fmt.Errorf("endpoint URL %q has no host", endpoint)
	}
	return miniostore.Options{Endpoint: u.Host, Secure: u.Scheme == "https", Region: region}, nil
}

func summaryLine(r *syncer.Result) string {
	if r.DryRun {
		return fmt.Sprintf("(dryrun) would upload %d files (%s), skip %d",
			r.Pending, humanize.Bytes(uint64(r.Plan.Summary().UploadBytes)), r.Skipped)
	}
	return fmt.Sprintf("uploaded %d files (%s), skipped %d, failed %d in %s",
		r.Uploaded, humanize.Bytes(uint64(r.BytesUploaded)), r.Skipped, len(r.Failed), r.Duration.Round(time.Millisecond))
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envBool(name string) bool {
	b, _ := strconv.ParseBool(os.Getenv(name))
	return b
}
