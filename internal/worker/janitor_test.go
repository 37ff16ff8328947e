package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWorkspaceJanitor_RemovesStaleWorkspaces(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	stale := filepath.Join(root, "oracle-sandbox-run-1-abc")
	if err := os.MkdirAll(stale, 0o700); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	fresh := filepath.Join(root, "oracle-sandbox-run-2-def")
	if err := os.MkdirAll(fresh, 0o700); err != nil {
		t.Fatal(err)
	}

	other := filepath.Join(root, "not-a-workspace")
	if err := os.MkdirAll(other, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, old, old); err != nil {
		t.Fatal(err)
	}

	j := NewWorkspaceJanitor(root, time.Hour, time.Millisecond)
	j.sweep()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale workspace should have been removed, stat err = %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh workspace should remain: %v", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Errorf("non-workspace directory should be left alone: %v", err)
	}
}

func TestWorkspaceJanitor_Run_StopsOnCancel(t *testing.T) {
	t.Parallel()
	j := NewWorkspaceJanitor(t.TempDir(), time.Hour, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}
