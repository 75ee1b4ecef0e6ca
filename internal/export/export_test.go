package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/bg-remover/internal/cache"
)

type stubFetcher struct {
	data  []byte
	err   error
	calls []string
}

func (s *stubFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	s.calls = append(s.calls, ref)
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

type memoryCache struct {
	values map[string]string
	getErr error
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	switch v := value.(type) {
	case []byte:
		m.values[key] = string(v)
	case string:
		m.values[key] = v
	}
	return nil
}

func (m *memoryCache) Get(ctx context.Context, key string) (string, error) {
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.values[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func TestExportWritesUnderFilename(t *testing.T) {
	dir := t.TempDir()
	fetcher := &stubFetcher{data: []byte("png")}
	exp := NewFileExporter(fetcher, nil, time.Minute, dir, zap.NewNop())

	path, err := exp.Export(context.Background(), "abc123_out.png", "background_removed.png")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if filepath.Base(path) != "background_removed.png" {
		t.Fatalf("unexpected path: %s", path)
	}
	data, err := os.ReadFile(filepath.Join(dir, "background_removed.png"))
	if err != nil {
		t.Fatalf("failed to read export: %v", err)
	}
	if string(data) != "png" {
		t.Fatalf("unexpected contents: %q", data)
	}
	if len(fetcher.calls) != 1 || fetcher.calls[0] != "abc123_out.png" {
		t.Fatalf("expected one fetch of abc123_out.png, got %v", fetcher.calls)
	}
}

func TestExportUsesCacheOnSecondDownload(t *testing.T) {
	dir := t.TempDir()
	fetcher := &stubFetcher{data: []byte("png")}
	mem := &memoryCache{values: map[string]string{}}
	exp := NewFileExporter(fetcher, mem, time.Minute, dir, zap.NewNop())

	for i := 0; i < 2; i++ {
		if _, err := exp.Export(context.Background(), "abc123_out.png", "out.png"); err != nil {
			t.Fatalf("export %d failed: %v", i, err)
		}
	}
	if len(fetcher.calls) != 1 {
		t.Fatalf("expected a single fetch, got %d", len(fetcher.calls))
	}
}

func TestExportFallsBackWhenCacheFails(t *testing.T) {
	fetcher := &stubFetcher{data: []byte("png")}
	mem := &memoryCache{values: map[string]string{}, getErr: errors.New("connection refused")}
	exp := NewFileExporter(fetcher, mem, time.Minute, t.TempDir(), zap.NewNop())

	if _, err := exp.Export(context.Background(), "ref", "out.png"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(fetcher.calls) != 1 {
		t.Fatalf("expected fetch after cache failure, got %d", len(fetcher.calls))
	}
}

func TestExportPropagatesFetchError(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("not found")}
	dir := t.TempDir()
	exp := NewFileExporter(fetcher, nil, time.Minute, dir, zap.NewNop())

	if _, err := exp.Export(context.Background(), "ref", "out.png"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if _, err := os.Stat(filepath.Join(dir, "out.png")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no file written, got %v", err)
	}
}

func TestExportRejectsPathFilenames(t *testing.T) {
	exp := NewFileExporter(&stubFetcher{data: []byte("x")}, nil, time.Minute, t.TempDir(), zap.NewNop())
	for _, name := range []string{"", "..", "../escape.png", "sub/out.png"} {
		if _, err := exp.Export(context.Background(), "ref", name); err == nil {
			t.Fatalf("expected error for filename %q", name)
		}
	}
}
