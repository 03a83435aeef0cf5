// Package planner joins the local scan with the remote snapshot into an
// ordered list of upload, skip and delete items. It performs no I/O.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yuya-takeyama/bucket-mirror/pkg/exclude"
	"github.com/yuya-takeyama/bucket-mirror/pkg/index"
	"github.com/yuya-takeyama/bucket-mirror/pkg/pathmap"
	"github.com/yuya-takeyama/bucket-mirror/pkg/scanner"
)

// Plan is the full decision for one run. Items are sorted by RelPath and
// hold at most one item per path. Degraded lists local entries that could
// not be read; they are neither uploaded nor skipped.
type Plan struct {
	Items    []Item
	Degraded []scanner.Entry
}

func (p *Plan) filter(action Action) []Item {
	var items []Item
	for _, it := range p.Items {
		if it.Action == action {
			items = append(items, it)
		}
	}
	return items
}

func (p *Plan) Uploads() []Item { return p.filter(ActionUpload) }
func (p *Plan) Skips() []Item   { return p.filter(ActionSkip) }
func (p *Plan) Deletes() []Item { return p.filter(ActionDelete) }

func (p *Plan) Summary() Summary {
	s := Summary{Degraded: len(p.Degraded)}
	for _, it := range p.Items {
		switch it.Action {
		case ActionUpload:
			s.Upload++
			s.UploadBytes += it.Size
			if it.Reason == ReasonNew {
				s.New++
			} else {
				s.Changed++
			}
		case ActionSkip:
			s.Skip++
		case ActionDelete:
			s.Delete++
		}
	}
	return s
}

// Compare returns the keys whose remote entry exists with the same size as
// the local file but without a fingerprint. Only those need a metadata
// lookup before Generate: a size mismatch already means changed.
func Compare(local []scanner.Entry, snap *index.Snapshot, mapper pathmap.Mapper) []string {
	var keys []string
	for _, e := range local {
		if e.Degraded() {
			continue
		}
		key, err := mapper.Key(e.RelPath)
		if err != nil {
			continue
		}
		remote, ok := snap.Get(key)
		if ok && remote.Fingerprint == "" && remote.Size == e.Size {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Generate classifies every local entry against snap:
//
//	no remote object                        -> upload (new)
//	remote fingerprint missing or different -> upload (changed)
//	remote fingerprint equal                -> skip (unchanged)
//
// With DeleteOrphans, remote keys with no local counterpart become delete
// items unless they are excluded, protected or sit under a degraded local
// path. The same RelPath appearing twice in local is an error.
func Generate(local []scanner.Entry, snap *index.Snapshot, mapper pathmap.Mapper, opts Options) (*Plan, error) {
	excludes, err := exclude.CompileFilter(opts.Excludes, opts.Includes)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	seen := make(map[string]bool, len(local))

	for _, e := range local {
		if seen[e.RelPath] {
			return nil, fmt.Errorf("duplicate local path %q", e.RelPath)
		}
		seen[e.RelPath] = true

		if e.Degraded() {
			plan.Degraded = append(plan.Degraded, e)
			continue
		}
		key, err := mapper.Key(e.RelPath)
		if err != nil {
			e.Err = err
			plan.Degraded = append(plan.Degraded, e)
			continue
		}
		if opts.Protected != nil && opts.Protected(key) {
			e.Err = fmt.Errorf("path %q collides with a reserved key", e.RelPath)
			plan.Degraded = append(plan.Degraded, e)
			continue
		}

		item := Item{
			RelPath:     e.RelPath,
			Key:         key,
			AbsPath:     e.AbsPath,
			Size:        e.Size,
			Fingerprint: e.Fingerprint,
		}
		remote, ok := snap.Get(key)
		switch {
		case !ok:
			item.Action, item.Reason = ActionUpload, ReasonNew
		case remote.Fingerprint == "" || remote.Fingerprint != e.Fingerprint:
			item.Action, item.Reason = ActionUpload, ReasonChanged
		default:
			item.Action, item.Reason = ActionSkip, ReasonUnchanged
		}
		plan.Items = append(plan.Items, item)
	}

	if opts.DeleteOrphans {
		for _, key := range snap.Keys() {
			rel, ok := mapper.RelPath(key)
			if !ok || seen[rel] {
				continue
			}
			if opts.Protected != nil && opts.Protected(key) {
				continue
			}
			if excludes.Match(rel) || underDegraded(rel, plan.Degraded) {
				continue
			}
			remote, _ := snap.Get(key)
			plan.Items = append(plan.Items, Item{
				RelPath:     rel,
				Key:         key,
				Size:        remote.Size,
				Fingerprint: remote.Fingerprint,
				Action:      ActionDelete,
				Reason:      ReasonOrphan,
			})
		}
	}

	sort.Slice(plan.Items, func(i, j int) bool {
		return plan.Items[i].RelPath < plan.Items[j].RelPath
	})
	sort.Slice(plan.Degraded, func(i, j int) bool {
		return plan.Degraded[i].RelPath < plan.Degraded[j].RelPath
	})
	return plan, nil
}

// underDegraded reports whether rel is, or lies below, a path whose scan
// failed. Deleting it could destroy the only remaining copy.
func underDegraded(rel string, degraded []scanner.Entry) bool {
	for _, d := range degraded {
		if rel == d.RelPath || strings.HasPrefix(rel, d.RelPath+"/") {
			return true
		}
	}
	return false
}
