package ingest

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// LocalSource reads usage files matching a glob pattern on local disk. The
// pattern supports doublestar syntax, e.g. "/data/usage/**/*.arrow".
type LocalSource struct {
	pattern string
}

func NewLocalSource(pattern string) (*LocalSource, error) {
	if pattern == "" {
		return nil, ErrNoPattern
	}
	if !doublestar.ValidatePathPattern(pattern) {
		return nil, fmt.Errorf("invalid file pattern %q", pattern)
	}
	return &LocalSource{pattern: pattern}, nil
}

func (s *LocalSource) ListFiles(ctx context.Context) ([]FileInfo, error) {
	matches, err := doublestar.FilepathGlob(s.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to glob %q: %w", s.pattern, err)
	}
	files := make([]FileInfo, 0, len(matches))
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := os.Stat(m)
		if err != nil {
			// Removed between glob and stat.
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", m, err)
		}
		files = append(files, FileInfo{Name: m, Modified: st.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *LocalSource) FetchLocalCopy(_ context.Context, name string) (string, func(), error) {
	return name, func() {}, nil
}
