package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/bg-remover/internal/logging"
)

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestRetrying(stub *stubCache) *Retrying {
	r := NewRetrying(stub, zap.NewNop())
	r.initialBackoff = time.Millisecond
	r.maxBackoff = 2 * time.Millisecond
	return r
}

func TestSetRetriesTransientErrors(t *testing.T) {
	stub := &stubCache{setErrs: []error{transientRedisError{}}}
	r := newTestRetrying(stub)

	if err := r.Set(context.Background(), "result:a.png", "bytes", time.Minute); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(stub.setKeys) != 2 {
		t.Fatalf("expected 2 set attempts, got %d", len(stub.setKeys))
	}
	if stub.setKeys[0] != stub.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", stub.setKeys[0], stub.setKeys[1])
	}
}

func TestSetReturnsOperationErrorOnPermanentFailure(t *testing.T) {
	stub := &stubCache{setErrs: []error{errors.New("boom")}}
	r := newTestRetrying(stub)

	err := r.Set(context.Background(), "k", "v", time.Minute)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(stub.setKeys) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(stub.setKeys))
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestGetMissIsNotRetried(t *testing.T) {
	stub := &stubCache{getErrs: []error{ErrMiss}}
	r := newTestRetrying(stub)

	_, err := r.Get(context.Background(), "k")
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if len(stub.getKeys) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(stub.getKeys))
	}
}

func TestGetGivesUpAfterAttempts(t *testing.T) {
	stub := &stubCache{getErrs: []error{transientRedisError{}, transientRedisError{}, transientRedisError{}}}
	r := newTestRetrying(stub)

	if _, err := r.Get(context.Background(), "k"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(stub.getKeys) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(stub.getKeys))
	}
}

func TestGetReturnsValueAfterRetry(t *testing.T) {
	stub := &stubCache{getErrs: []error{transientRedisError{}, nil}, getValues: []string{"", "cached"}}
	r := newTestRetrying(stub)

	value, err := r.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if value != "cached" {
		t.Fatalf("expected cached, got %q", value)
	}
}
