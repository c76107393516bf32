package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"iso-builder/internal/models"
)

// Report records one build log line and, when progress is positive, the
// new completion percentage.
type Report func(progress int, line string)

// Builder turns a job config into an ISO image on disk and returns its path.
type Builder interface {
	Build(ctx context.Context, job models.Job, report Report) (string, error)
}

// Step is one stage of the simulated archiso build.
type Step struct {
	Message  string
	Progress int
}

// DefaultSteps mirrors the stages of an archiso profile build.
var DefaultSteps = []Step{
	{"Initializing build environment", 15},
	{"Preparing file system", 20},
	{"Installing base packages", 30},
	{"Installing custom packages", 50},
	{"Configuring system", 60},
	{"Blacklisting PC speaker modules", 70},
	{"Creating hooks", 80},
	{"Building ISO image", 90},
	{"Finalizing ISO", 95},
}

// StepBuilder walks through a fixed list of steps, pausing between them, and
// writes a placeholder image into OutputDir.
type StepBuilder struct {
	Steps     []Step
	Delay     time.Duration
	OutputDir string
	now       func() time.Time
}

// NewStepBuilder returns a builder running DefaultSteps.
func NewStepBuilder(outputDir string, delay time.Duration) *StepBuilder {
	return &StepBuilder{Steps: DefaultSteps, Delay: delay, OutputDir: outputDir, now: time.Now}
}

type simulatedConfig struct {
	ShouldFail bool   `json:"should_fail"`
	FailAt     string `json:"fail_at"`
}

// Build reports each step in order. A config carrying {"should_fail": true}
// fails at the "Building ISO image" step, or at the step named by fail_at.
func (b *StepBuilder) Build(ctx context.Context, job models.Job, report Report) (string, error) {
	var sim simulatedConfig
	if len(job.Config) > 0 {
		_ = json.Unmarshal(job.Config, &sim)
	}
	failAt := ""
	if sim.ShouldFail {
		failAt = sim.FailAt
		if failAt == "" {
			failAt = "Building ISO image"
		}
	}

	report(0, "Starting ISO build process")
	cfg := "{}"
	if len(job.Config) > 0 {
		cfg = string(job.Config)
	}
	report(10, "Build configuration: "+cfg)

	for _, step := range b.Steps {
		if err := b.pause(ctx); err != nil {
			return "", err
		}
		report(step.Progress, step.Message)
		if step.Message == failAt {
			return "", errors.New("simulated failure requested by config.should_fail")
		}
	}

	path, err := b.writeImage(job)
	if err != nil {
		return "", err
	}
	report(0, "ISO build completed successfully")
	return path, nil
}

func (b *StepBuilder) pause(ctx context.Context) error {
	if b.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (b *StepBuilder) writeImage(job models.Job) (string, error) {
	now := time.Now
	if b.now != nil {
		now = b.now
	}
	name := fmt.Sprintf("archlinux-%s-x86_64.iso", now().Format("2006.01.02"))
	dir := filepath.Join(b.OutputDir, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, name)
	body := fmt.Sprintf("placeholder ISO image for build %s\n", job.ID)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}
