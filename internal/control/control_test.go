package control_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/capwatch/internal/control"
	"github.com/fakeyudi/capwatch/internal/logging"
)

func watch(t *testing.T, dir string) <-chan control.Signal {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan control.Signal, 8)
	done := make(chan error, 1)
	go func() {
		done <- control.Watch(ctx, dir, func(s control.Signal) { got <- s }, logging.Discard())
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return got
}

func receive(t *testing.T, ch <-chan control.Signal) control.Signal {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no control signal delivered")
		return ""
	}
}

func TestPendingTriggerIsDeliveredOnStart(t *testing.T) {
	dir := control.Dir(t.TempDir())
	require.NoError(t, control.Trigger(dir, control.Reset))

	got := watch(t, dir)
	require.Equal(t, control.Reset, receive(t, got))

	_, err := os.Stat(filepath.Join(dir, "reset"))
	require.ErrorIs(t, err, os.ErrNotExist, "trigger file is consumed")
}

func TestTriggersAreDeliveredOnce(t *testing.T) {
	dir := control.Dir(t.TempDir())
	got := watch(t, dir)

	// Give the watcher a moment to register before raising.
	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, control.Trigger(dir, control.Refresh))
	require.Equal(t, control.Refresh, receive(t, got))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, control.Trigger(dir, control.Reset))
	require.Equal(t, control.Reset, receive(t, got))

	select {
	case s := <-got:
		t.Fatalf("unexpected extra signal %q", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTriggerRejectsUnknownSignal(t *testing.T) {
	require.Error(t, control.Trigger(t.TempDir(), control.Signal("shutdown")))
}
