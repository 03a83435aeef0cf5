// Package pathmap maps local relative paths to object keys under a bucket
// prefix and back. It performs no I/O.
package pathmap

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

type Mapper struct {
	bucket string
	prefix string
}

// New returns a mapper for bucket and prefix. The prefix is normalized with
// NormalizePrefix.
func New(bucket, prefix string) Mapper {
	return Mapper{bucket: bucket, prefix: NormalizePrefix(prefix)}
}

// NormalizePrefix cleans a key prefix: duplicate and trailing slashes are
// removed and "", "." and "/" mean no prefix.
func NormalizePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return strings.Trim(path.Clean("/"+prefix), "/")
}

func (m Mapper) Bucket() string { return m.bucket }
func (m Mapper) Prefix() string { return m.prefix }

// ListPrefix is the prefix to list with. It ends with "/" so that "pfx"
// does not also match "pfx2/...".
func (m Mapper) ListPrefix() string {
	if m.prefix == "" {
		return ""
	}
	return m.prefix + "/"
}

// Key returns the object key for a slash-separated relative path.
func (m Mapper) Key(relPath string) (string, error) {
	if err := ValidateRelPath(relPath); err != nil {
		return "", err
	}
	return m.ListPrefix() + relPath, nil
}

// RelPath recovers the relative path of key. It reports false for keys
// outside the prefix or that no valid relative path maps to.
func (m Mapper) RelPath(key string) (string, bool) {
	rel := key
	if m.prefix != "" {
		var ok bool
		rel, ok = strings.CutPrefix(key, m.prefix+"/")
		if !ok {
			return "", false
		}
	}
	if ValidateRelPath(rel) != nil {
		return "", false
	}
	return rel, true
}

// URI formats key as s3://bucket/key.
func (m Mapper) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", m.bucket, key)
}

// ValidateRelPath rejects paths that would break the key bijection: empty
// paths, absolute paths and empty, "." or ".." segments.
func ValidateRelPath(relPath string) error {
	if relPath == "" {
		return fmt.Errorf("empty relative path")
	}
	for _, seg := range strings.Split(relPath, "/") {
		switch seg {
		case "":
			return fmt.Errorf("invalid relative path %q: empty segment", relPath)
		case ".", "..":
			return fmt.Errorf("invalid relative path %q: %q segment", relPath, seg)
		}
	}
	return nil
}

// FromLocal converts an OS relative path to its slash-separated form.
func FromLocal(relPath string) string {
	return filepath.ToSlash(relPath)
}

// Segments splits a slash-separated relative path.
func Segments(relPath string) []string {
	return strings.Split(relPath, "/")
}

// ParseURI splits s3://bucket/prefix into bucket and normalized prefix.
func ParseURI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("URI must start with s3://")
	}

	parts := strings.SplitN(rest, "/", 2)
	bucket = parts[0]
	if bucket == "" {
		return "", "", fmt.Errorf("bucket name cannot be empty")
	}
	if len(parts) > 1 {
		prefix = NormalizePrefix(parts[1])
	}
	return bucket, prefix, nil
}
