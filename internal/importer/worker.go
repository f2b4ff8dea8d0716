package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kindling-ai/kindred/internal/storage"
)

// JobTypeImportContact is the queue type for contact import jobs.
const JobTypeImportContact = "import_contact"

const defaultSweepInterval = time.Minute

// Import sources.
const (
	SourceText = "text"
	SourcePDF  = "pdf"
	SourceURL  = "url"
)

// ImportPayload is the job payload for an import_contact job.
type ImportPayload struct {
	Source string `json:"source"`
	Value  string `json:"value"`
}

// NewImportJob builds a queued import job for the given source.
func NewImportJob(source, value string) (storage.Job, error) {
	switch source {
	case SourceText, SourcePDF, SourceURL:
	default:
		return storage.Job{}, fmt.Errorf("unknown import source %q", source)
	}
	if value == "" {
		return storage.Job{}, fmt.Errorf("empty import value")
	}

	payload, err := json.Marshal(ImportPayload{Source: source, Value: value})
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeImportContact,
		PayloadJSON: string(payload),
		MaxAttempts: 3,
	}, nil
}

// JobStore abstracts the queue and approval-expiry operations the
// worker needs. Implemented by storage.Store.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	ExpireStaleApprovals(now time.Time) (int64, error)
}

// Worker processes import_contact jobs and sweeps stale approvals.
type Worker struct {
	store    JobStore
	importer *Importer
	poll     time.Duration
	sweep    time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to
// 500ms.
func NewWorker(store JobStore, importer *Importer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		importer: importer,
		poll:     pollInterval,
		sweep:    defaultSweepInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled, sweeping expired
// approvals on a fixed interval in between.
func (w *Worker) Run(ctx context.Context) {
	sweep := time.NewTicker(w.sweep)
	defer sweep.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}

		// The sweep must fire even when the queue never drains.
		select {
		case <-sweep.C:
			w.SweepApprovals()
		default:
		}

		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			w.SweepApprovals()
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single import job. Returns true if a
// job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeImportContact})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("import job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// SweepApprovals expires pending approvals past their deadline.
func (w *Worker) SweepApprovals() {
	n, err := w.store.ExpireStaleApprovals(time.Now().UTC())
	if err != nil {
		w.logger.Error("approval sweep failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("expired stale approvals", "count", n)
	}
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload ImportPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	var err error
	switch payload.Source {
	case SourceText:
		_, err = w.importer.ImportText(ctx, payload.Value)
	case SourcePDF:
		_, err = w.importer.ImportPDF(ctx, payload.Value)
	case SourceURL:
		_, err = w.importer.ImportURL(ctx, payload.Value)
	default:
		return fmt.Errorf("unknown import source %q", payload.Source)
	}
	return err
}
