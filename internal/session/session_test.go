package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestBuildBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build session backend failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil memory session backend")
	}
	if err := backend.Save(&Session{Token: "tok", OrganizationID: "org_1"}); err != nil {
		t.Fatalf("memory backend save failed: %v", err)
	}
	stored, err := backend.Load()
	if err != nil {
		t.Fatalf("memory backend load failed: %v", err)
	}
	if stored == nil || stored.OrganizationID != "org_1" {
		t.Fatalf("expected organization org_1, got %+v", stored)
	}
	if err := backend.Clear(); err != nil {
		t.Fatalf("memory backend clear failed: %v", err)
	}
	if stored, _ := backend.Load(); stored != nil {
		t.Fatalf("expected nil session after clear, got %+v", stored)
	}
}

func TestBuildBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	backend, err := BuildBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file session backend failed: %v", err)
	}
	if stored, err := backend.Load(); err != nil || stored != nil {
		t.Fatalf("expected empty load before save, got %+v err=%v", stored, err)
	}
	if err := backend.Save(&Session{Token: "tok", OrganizationID: "org_7", UserID: "u_1"}); err != nil {
		t.Fatalf("file backend save failed: %v", err)
	}
	stored, err := backend.Load()
	if err != nil {
		t.Fatalf("file backend load failed: %v", err)
	}
	if stored == nil || stored.OrganizationID != "org_7" || stored.UserID != "u_1" {
		t.Fatalf("unexpected stored session %+v", stored)
	}
	if err := backend.Clear(); err != nil {
		t.Fatalf("file backend clear failed: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected session file removed, stat err=%v", err)
	}
	if path, ok := FilePath("file://" + path); !ok || path == "" {
		t.Fatalf("expected file path for file dsn")
	}
	if _, ok := FilePath("memory://"); ok {
		t.Fatalf("expected no file path for memory dsn")
	}
}

func TestBuildBackendFromDSNUnsupported(t *testing.T) {
	backend, err := BuildBackendFromDSN("")
	if err != nil || backend != nil {
		t.Fatalf("expected nil backend for empty dsn, got %v err=%v", backend, err)
	}
	backend, err = BuildBackendFromDSN("postgres://localhost/leadboard?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres session backend to be available, got %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil postgres session backend")
	}
	if _, err := BuildBackendFromDSN("mysql://localhost/leadboard"); err == nil {
		t.Fatalf("expected not implemented error for mysql session backend")
	} else if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql session backend, got %v", err)
	}
	if _, err := BuildBackendFromDSN("redis://localhost"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterBackendFactory(t *testing.T) {
	scheme := "sessiontestcustom"
	RegisterBackendFactory(scheme, func(dsn string) (Backend, error) {
		return NewInMemoryBackend(), nil
	})
	backend, err := BuildBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build session backend via registered factory failed: %v", err)
	}
	if _, ok := backend.(*InMemoryBackend); !ok {
		t.Fatalf("expected registered factory backend, got %T", backend)
	}
}

func TestCurrentTreatsExpiredSessionAsAbsent(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	backend := NewInMemoryBackend()

	current, err := Current(nil, now)
	if err != nil || current != nil {
		t.Fatalf("expected nil session without backend, got %+v err=%v", current, err)
	}

	_ = backend.Save(&Session{Token: "tok", OrganizationID: "org", ExpiresAt: now.Add(-time.Minute)})
	if current, _ := Current(backend, now); current != nil {
		t.Fatalf("expected expired session to be ignored, got %+v", current)
	}
	_ = backend.Save(&Session{Token: "tok", ExpiresAt: now.Add(time.Hour)})
	if current, _ := Current(backend, now); current != nil {
		t.Fatalf("expected session without organization to be ignored, got %+v", current)
	}
	_ = backend.Save(&Session{Token: "tok", OrganizationID: "org", ExpiresAt: now.Add(time.Hour)})
	current, err = Current(backend, now)
	if err != nil || current == nil {
		t.Fatalf("expected usable session, got %+v err=%v", current, err)
	}
}

func TestWatchReportsSessionFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	backend := NewJSONFileBackend(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func() { atomic.AddInt32(&calls, 1) }, WatchOptions{Debounce: 20 * time.Millisecond})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		if err := backend.Save(&Session{Token: "tok", OrganizationID: "org"}); err != nil {
			t.Fatalf("save session failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if atomic.LoadInt32(&calls) == 0 {
		t.Fatalf("expected watch callback after session save")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop after cancel")
	}
}

func TestWatchRejectsEmptyPath(t *testing.T) {
	if err := Watch(context.Background(), " ", func() {}, WatchOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
