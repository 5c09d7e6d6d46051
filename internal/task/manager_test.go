package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitForStatus(t *testing.T, m *Manager, id string, want Status) Info {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, ok := m.GetJob(id); ok && info.Progress != nil {
			if s := info.Snapshot().Progress.Status; s == want {
				return info.Snapshot()
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", id, want)
	return Info{}
}

func TestManagerSubmitCompletes(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	id := m.Submit("gc:vault", "gc", func(ctx context.Context, prog *Progress) error {
		prog.SetRunning(3)
		prog.IncrDone()
		prog.IncrDone()
		prog.IncrDone()
		return nil
	})

	info := waitForStatus(t, m, id, StatusCompleted)
	if info.Progress.Done != 3 || info.Progress.Total != 3 {
		t.Fatalf("expected 3/3 done, got %d/%d", info.Progress.Done, info.Progress.Total)
	}
	if info.Kind != "gc" {
		t.Fatalf("expected kind gc, got %q", info.Kind)
	}
}

func TestManagerSubmitRecordsFailure(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	wantErr := errors.New("boom")
	id := m.Submit("verify:vault", "verify", func(ctx context.Context, prog *Progress) error {
		prog.SetRunning(1)
		return wantErr
	})

	info := waitForStatus(t, m, id, StatusFailed)
	if info.Progress.Error != wantErr.Error() {
		t.Fatalf("expected error %q, got %q", wantErr.Error(), info.Progress.Error)
	}
}

func TestManagerCancelStopsJob(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	started := make(chan struct{})
	id := m.Submit("pull:vault", "pull", func(ctx context.Context, prog *Progress) error {
		prog.SetRunning(0)
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	<-started
	m.Cancel(id)

	info := waitForStatus(t, m, id, StatusFailed)
	if info.Progress.Error != context.Canceled.Error() {
		t.Fatalf("expected context.Canceled, got %q", info.Progress.Error)
	}
}

func TestManagerListJobsSortsScheduledFirst(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	if err := m.AddCron("gc:vault", "gc", "0 2 * * *", func(ctx context.Context, prog *Progress) error {
		return nil
	}); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	m.Submit("prune:vault", "prune", func(ctx context.Context, prog *Progress) error {
		return nil
	})

	infos := m.ListJobs()
	if len(infos) == 0 {
		t.Fatal("expected at least one job listed")
	}
	if infos[0].Name != "gc:vault" {
		t.Fatalf("expected the recurring job to sort first, got %q", infos[0].Name)
	}
}

func TestManagerAddCronRejectsDuplicateName(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	fn := func(ctx context.Context, prog *Progress) error { return nil }
	if err := m.AddCron("gc:vault", "gc", "0 2 * * *", fn); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	if err := m.AddCron("gc:vault", "gc", "0 3 * * *", fn); err == nil {
		t.Fatal("expected duplicate job name to be rejected")
	}
}
