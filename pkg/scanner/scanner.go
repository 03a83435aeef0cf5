// Package scanner enumerates the regular files under a local root and
// fingerprints their content.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/bucket-mirror/pkg/checksum"
	"github.com/yuya-takeyama/bucket-mirror/pkg/exclude"
	"github.com/yuya-takeyama/bucket-mirror/pkg/logger"
	"github.com/yuya-takeyama/bucket-mirror/pkg/pathmap"
)

const DefaultWorkers = 4

// Entry is one local file. Err is set when the file (or the directory that
// held it) could not be read; such entries carry no fingerprint.
type Entry struct {
	RelPath     string
	AbsPath     string
	Size        int64
	Fingerprint string
	Err         error
}

func (e Entry) Segments() []string {
	return pathmap.Segments(e.RelPath)
}

func (e Entry) Degraded() bool {
	return e.Err != nil
}

type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

type Options struct {
	FollowSymlinks bool
	Excludes       []string
	// Includes re-admit files an exclude pattern matched.
	Includes []string
	// Workers bounds concurrent fingerprinting in Scan.
	Workers int
	Logger  logger.Logger
}

type Scanner struct {
	root     string
	excludes *exclude.Set
	opts     Options
	log      logger.Logger
}

// New validates root and the exclude patterns. A missing or non-directory
// root is reported as a *ScanError.
func New(root string, opts Options) (*Scanner, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, &ScanError{Path: root, Err: err}
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, &ScanError{Path: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &ScanError{Path: root, Err: errors.New("not a directory")}
	}

	set, err := exclude.CompileFilter(opts.Excludes, opts.Includes)
	if err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}

	return &Scanner{
		root:     absRoot,
		excludes: set,
		opts:     opts,
		log:      logger.OrNull(opts.Logger),
	}, nil
}

func (s *Scanner) Root() string {
	return s.root
}

// Walk calls fn for every non-excluded regular file, depth first in
// directory order. Entries are not fingerprinted. An unreadable directory
// is reported as a single degraded entry for the directory itself.
func (s *Scanner) Walk(ctx context.Context, fn func(Entry) error) error {
	visited := map[string]bool{}
	if real, err := filepath.EvalSymlinks(s.root); err == nil {
		visited[real] = true
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return &ScanError{Path: s.root, Err: err}
	}
	return s.walkEntries(ctx, s.root, "", entries, visited, fn)
}

func (s *Scanner) walkDir(ctx context.Context, abs, rel string, visited map[string]bool, fn func(Entry) error) error {
	entries, err := os.ReadDir(abs)
	if err != nil {
		s.log.Error("read directory", rel, err)
		return fn(Entry{RelPath: rel, AbsPath: abs, Err: &ScanError{Path: rel, Err: err}})
	}
	return s.walkEntries(ctx, abs, rel, entries, visited, fn)
}

func (s *Scanner) walkEntries(ctx context.Context, abs, rel string, entries []fs.DirEntry, visited map[string]bool, fn func(Entry) error) error {
	for _, d := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		childAbs := filepath.Join(abs, d.Name())
		childRel := pathmap.FromLocal(filepath.Join(filepath.FromSlash(rel), d.Name()))

		mode := d.Type()
		if mode&fs.ModeSymlink != 0 {
			if !s.opts.FollowSymlinks {
				s.log.Debug("skipping symlink " + childRel)
				continue
			}
			info, err := os.Stat(childAbs)
			if err != nil {
				s.log.Error("resolve symlink", childRel, err)
				if !s.excludes.Match(childRel) {
					if err := fn(Entry{RelPath: childRel, AbsPath: childAbs, Err: &ScanError{Path: childRel, Err: err}}); err != nil {
						return err
					}
				}
				continue
			}
			mode = info.Mode().Type()
		}

		switch {
		case mode.IsDir():
			if s.excludes.MatchDir(childRel) {
				continue
			}
			// Only ancestors are tracked, so a directory reached through two
			// different links is walked under both paths.
			real, rerr := filepath.EvalSymlinks(childAbs)
			if rerr == nil {
				if visited[real] {
					s.log.Debug("skipping directory cycle at " + childRel)
					continue
				}
				visited[real] = true
			}
			err := s.walkDir(ctx, childAbs, childRel, visited, fn)
			if rerr == nil {
				delete(visited, real)
			}
			if err != nil {
				return err
			}

		case mode.IsRegular():
			if s.excludes.Match(childRel) {
				continue
			}
			entry := Entry{RelPath: childRel, AbsPath: childAbs}
			info, err := os.Stat(childAbs)
			if err != nil {
				entry.Err = &ScanError{Path: childRel, Err: err}
			} else {
				entry.Size = info.Size()
			}
			if err := fn(entry); err != nil {
				return err
			}

		default:
			s.log.Debug("skipping irregular file " + childRel)
		}
	}
	return nil
}

// Scan walks the tree and fingerprints every file with at most
// Options.Workers files hashed at once. The result is sorted by RelPath.
// Files that cannot be read come back as degraded entries; only
// cancellation and an unusable root fail the scan.
func (s *Scanner) Scan(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := s.Walk(ctx, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i := range entries {
		if entries[i].Err != nil {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e := &entries[i]
			sum, err := checksum.File(e.AbsPath)
			if err != nil {
				s.log.Error("fingerprint", e.RelPath, err)
				e.Err = &ScanError{Path: e.RelPath, Err: err}
				return nil
			}
			e.Fingerprint = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelPath < entries[j].RelPath
	})
	return entries, nil
}
