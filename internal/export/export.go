// Package export implements the save surface for processed results: fetch
// the resource behind a processed reference (through an optional cache) and
// write it to a directory under a fixed name.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/bg-remover/internal/cache"
	"github.com/example/bg-remover/internal/workflow"
)

// Fetcher retrieves the bytes of a processed result.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FileExporter writes processed results into a directory.
type FileExporter struct {
	fetcher Fetcher
	cache   cache.Cache
	ttl     time.Duration
	dir     string
	logger  *zap.Logger
}

var _ workflow.Exporter = (*FileExporter)(nil)

// NewFileExporter constructs an exporter. c may be nil to disable caching.
func NewFileExporter(fetcher Fetcher, c cache.Cache, ttl time.Duration, dir string, logger *zap.Logger) *FileExporter {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	return &FileExporter{
		fetcher: fetcher,
		cache:   c,
		ttl:     ttl,
		dir:     dir,
		logger:  logger.Named("export"),
	}
}

// Export saves the resource behind ref as dir/filename and returns the path.
func (e *FileExporter) Export(ctx context.Context, ref, filename string) (string, error) {
	if err := validateFilename(filename); err != nil {
		return "", err
	}
	data, err := e.load(ctx, ref)
	if err != nil {
		return "", err
	}
	target := filepath.Join(e.dir, filename)
	if err := writeAtomic(target, data); err != nil {
		return "", fmt.Errorf("save %s: %w", target, err)
	}
	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	return target, nil
}

func (e *FileExporter) load(ctx context.Context, ref string) ([]byte, error) {
	key := cacheKey(ref)
	if e.cache != nil {
		cached, err := e.cache.Get(ctx, key)
		switch {
		case err == nil:
			e.logger.Debug("result served from cache", zap.String("processed_reference", ref))
			return []byte(cached), nil
		case !errors.Is(err, cache.ErrMiss):
			e.logger.Warn("failed to read result cache", zap.Error(err))
		}
	}

	data, err := e.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, data, e.ttl); err != nil {
			e.logger.Warn("failed to cache result", zap.Error(err))
		}
	}
	return data, nil
}

func cacheKey(ref string) string {
	return "bgremove:result:" + ref
}

func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid export filename %q", name)
	}
	return nil
}

func writeAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".bgremove-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
