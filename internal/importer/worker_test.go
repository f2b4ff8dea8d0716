package importer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kindling-ai/kindred/internal/storage"
)

type mockJobStore struct {
	jobs      []*storage.Job
	completed []string
	failed    map[string]string
	expired   int64
	expireErr error
}

func (m *mockJobStore) ClaimNextJob(types []string) (*storage.Job, error) {
	if len(m.jobs) == 0 {
		return nil, nil
	}
	job := m.jobs[0]
	m.jobs = m.jobs[1:]
	return job, nil
}

func (m *mockJobStore) CompleteJob(id string) error {
	m.completed = append(m.completed, id)
	return nil
}

func (m *mockJobStore) FailJob(id string, errMsg string) error {
	if m.failed == nil {
		m.failed = make(map[string]string)
	}
	m.failed[id] = errMsg
	return nil
}

func (m *mockJobStore) ExpireStaleApprovals(now time.Time) (int64, error) {
	if m.expireErr != nil {
		return 0, m.expireErr
	}
	return m.expired, nil
}

func TestNewImportJob(t *testing.T) {
	job, err := NewImportJob(SourceText, "Ada Lovelace, engineer")
	if err != nil {
		t.Fatalf("NewImportJob: %v", err)
	}
	if job.Type != JobTypeImportContact || job.ID == "" || job.MaxAttempts != 3 {
		t.Errorf("job = %+v", job)
	}

	if _, err := NewImportJob("carrier_pigeon", "x"); err == nil {
		t.Error("expected error for unknown source")
	}
	if _, err := NewImportJob(SourceURL, ""); err == nil {
		t.Error("expected error for empty value")
	}
}

func TestRunOnce_CompletesTextImport(t *testing.T) {
	job, err := NewImportJob(SourceText, "Ada Lovelace, engineer")
	if err != nil {
		t.Fatalf("NewImportJob: %v", err)
	}
	store := &mockJobStore{jobs: []*storage.Job{&job}}
	saver := &mockSaver{}
	w := NewWorker(store, New(&stubChatter{reply: extractedJSON}, saver), 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce should report a processed job")
	}
	if len(store.completed) != 1 || store.completed[0] != job.ID {
		t.Errorf("completed = %v", store.completed)
	}
	if len(saver.saved) != 1 {
		t.Errorf("saved = %d profiles, want 1", len(saver.saved))
	}
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	w := NewWorker(&mockJobStore{}, New(&stubChatter{}, &mockSaver{}), 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("no job should be reported on an empty queue")
	}
}

func TestRunOnce_ImportFailureMarksJobFailed(t *testing.T) {
	job, err := NewImportJob(SourceText, "unusable")
	if err != nil {
		t.Fatalf("NewImportJob: %v", err)
	}
	store := &mockJobStore{jobs: []*storage.Job{&job}}
	w := NewWorker(store, New(&stubChatter{err: errors.New("model offline")}, &mockSaver{}), 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("a failed job still counts as processed")
	}
	if len(store.completed) != 0 {
		t.Error("failed job must not be completed")
	}
	if _, ok := store.failed[job.ID]; !ok {
		t.Errorf("failed = %v, want entry for %s", store.failed, job.ID)
	}
}

// floodJobStore never runs out of jobs, so Run's busy path never
// reaches its blocking select.
type floodJobStore struct {
	sweeps atomic.Int64
}

func (f *floodJobStore) ClaimNextJob(types []string) (*storage.Job, error) {
	job, err := NewImportJob(SourceText, "Ada Lovelace, engineer")
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (f *floodJobStore) CompleteJob(id string) error { return nil }

func (f *floodJobStore) FailJob(id string, errMsg string) error { return nil }

func (f *floodJobStore) ExpireStaleApprovals(now time.Time) (int64, error) {
	f.sweeps.Add(1)
	return 0, nil
}

func TestRun_SweepsWhileQueueStaysBusy(t *testing.T) {
	store := &floodJobStore{}
	w := NewWorker(store, New(&stubChatter{reply: extractedJSON}, &mockSaver{}), time.Millisecond)
	w.sweep = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}

	if store.sweeps.Load() == 0 {
		t.Error("approval sweep never ran while jobs kept arriving")
	}
}

func TestRunOnce_MalformedPayloadFails(t *testing.T) {
	job := &storage.Job{ID: "j1", Type: JobTypeImportContact, PayloadJSON: "{broken"}
	store := &mockJobStore{jobs: []*storage.Job{job}}
	w := NewWorker(store, New(&stubChatter{}, &mockSaver{}), 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, ok := store.failed["j1"]; !ok {
		t.Error("malformed payload should mark the job failed")
	}
}
