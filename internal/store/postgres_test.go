package store

import (
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"iso-builder/internal/models"
)

func TestMigrationsAreEmbeddedInOrder(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("migration names: %v", err)
	}
	if len(names) != 2 || names[0] != "001_build_history.sql" || names[1] != "002_build_events.sql" {
		t.Fatalf("unexpected migrations %v", names)
	}
	content, err := migrationFiles.ReadFile("migrations/" + names[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(content), "build_history") {
		t.Fatalf("history migration does not create build_history")
	}
}

func TestHistoryRowToJob(t *testing.T) {
	completed := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)
	r := historyRow{
		id:          "job-1",
		status:      "completed",
		progress:    100,
		config:      []byte(`{"profile":"releng"}`),
		buildLog:    []byte(`["Initializing build environment","Build completed successfully!"]`),
		outputPath:  pgtype.Text{String: "archlinux-2024.03.01-x86_64.iso", Valid: true},
		completedAt: pgtype.Timestamptz{Time: completed, Valid: true},
	}
	job, err := r.job()
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != models.StatusCompleted || job.Progress != 100 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.OutputPath == nil || *job.OutputPath != "archlinux-2024.03.01-x86_64.iso" {
		t.Fatalf("output path not mapped: %v", job.OutputPath)
	}
	if job.Error != nil || job.CreatedAt != nil || job.StartedAt != nil {
		t.Fatalf("null columns must map to nil: %+v", job)
	}
	if job.CompletedAt == nil || !job.CompletedAt.Equal(completed) {
		t.Fatalf("completed_at not mapped: %v", job.CompletedAt)
	}
	if len(job.BuildLog) != 2 || string(job.Config) != `{"profile":"releng"}` {
		t.Fatalf("log/config not mapped: %+v", job)
	}
}

func TestHistoryRowRejectsCorruptLog(t *testing.T) {
	r := historyRow{id: "job-2", status: "failed", buildLog: []byte(`{"not":"a list"}`)}
	if _, err := r.job(); err == nil {
		t.Fatalf("expected error for corrupt build_log")
	}
}

func TestHistoryRowEmptyLog(t *testing.T) {
	r := historyRow{id: "job-3", status: "failed"}
	job, err := r.job()
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.BuildLog == nil || len(job.BuildLog) != 0 {
		t.Fatalf("expected empty non-nil log, got %#v", job.BuildLog)
	}
}
