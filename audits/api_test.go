package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
	"github.com/sitescope-labs/sitescope-go/internal/repo"
)

type fakeRunRepo struct {
	lastFilter repo.RunFilter
}

func (f *fakeRunRepo) CreateRunIfNoneActive(_ context.Context, run domain.Run) (domain.Run, bool, error) {
	return run, true, nil
}

func (f *fakeRunRepo) GetRun(_ context.Context, _ string) (domain.Run, error) {
	return domain.Run{}, repo.ErrNotFound
}

func (f *fakeRunRepo) LatestRun(_ context.Context, _ string) (domain.Run, error) {
	return domain.Run{}, repo.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	f.lastFilter = filter
	return nil, nil
}

func (f *fakeRunRepo) UpdateRunStatus(_ context.Context, _ string, _ domain.RunStatus, _ string, _ *time.Time) error {
	return nil
}

func (f *fakeRunRepo) ResetRunForRetry(_ context.Context, _ string) error { return nil }

type fakeJobRepo struct {
	lastPipeline string
	lastLimit    int
}

func (f *fakeJobRepo) CreateJob(_ context.Context, _ domain.BackgroundJob) error { return nil }

func (f *fakeJobRepo) UpdateJobStatusByRun(_ context.Context, _ string, _ domain.RunStatus) error {
	return nil
}

func (f *fakeJobRepo) ListJobs(_ context.Context, pipelineID string, limit int) ([]domain.BackgroundJob, error) {
	f.lastPipeline = pipelineID
	f.lastLimit = limit
	return nil, nil
}

func newTestAPI() (*auditsAPI, *fakeRunRepo, *fakeJobRepo, *http.ServeMux) {
	runs := &fakeRunRepo{}
	jobs := &fakeJobRepo{}
	api := &auditsAPI{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		runStore:  runs,
		jobStore:  jobs,
		heartbeat: time.Second,
	}
	mux := http.NewServeMux()
	api.register(mux)
	return api, runs, jobs, mux
}

func TestListRunsRejectsUnknownStatusFilter(t *testing.T) {
	_, _, _, mux := newTestAPI()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/pipelines/pipe-1/runs?status=terminated", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListRunsPassesNormalizedStatusFilter(t *testing.T) {
	_, runs, _, mux := newTestAPI()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/pipelines/pipe-1/runs?status=Running", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if runs.lastFilter.Status != domain.RunStatusRunning {
		t.Fatalf("filter status = %q, want running", runs.lastFilter.Status)
	}
	if runs.lastFilter.PipelineID != "pipe-1" {
		t.Fatalf("filter pipeline = %q", runs.lastFilter.PipelineID)
	}
}

func TestListJobsPassesLimitThrough(t *testing.T) {
	_, _, jobs, mux := newTestAPI()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/pipelines/pipe-1/jobs?limit=7", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if jobs.lastPipeline != "pipe-1" || jobs.lastLimit != 7 {
		t.Fatalf("jobs call = (%q, %d), want (pipe-1, 7)", jobs.lastPipeline, jobs.lastLimit)
	}
}

func TestListJobsRejectsInvalidLimit(t *testing.T) {
	_, _, _, mux := newTestAPI()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/pipelines/pipe-1/jobs?limit=nope", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
