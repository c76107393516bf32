package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"iso-builder/internal/jobsync"
	"iso-builder/internal/models"
	"iso-builder/internal/transport"
)

var errBuildFailed = errors.New("build failed")

func newWatchCmd(o *rootOptions) *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the build queue in real time",
		Long: `Connect to the sync endpoint and print every state change. With --job,
exit once that build finishes, non-zero if it failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), o, cmd.OutOrStdout(), jobID)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "exit once this build finishes")
	return cmd
}

type snapshotView struct {
	Version    uint64             `json:"version"`
	Connection jobsync.Connection `json:"connection"`
	Active     *models.Job        `json:"active"`
	Queue      []models.Job       `json:"queue"`
	History    []models.Job       `json:"history"`
}

func watch(ctx context.Context, o *rootOptions, w io.Writer, jobID string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	if jobID != "" {
		job, err := o.client.Build(ctx, jobID)
		if err != nil {
			return fmt.Errorf("get build %s: %w", jobID, err)
		}
		if job.IsTerminal() {
			return finished(w, o.output, job)
		}
	}

	syncCfg := o.cfg.Sync
	if syncCfg.Endpoint == "" {
		syncCfg.Origin = o.server
	}
	client, err := jobsync.NewClientFromConfig(syncCfg, o.log)
	if err != nil {
		return err
	}
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	var result error
	for snap := range client.Store().Hub().Watch(ctx) {
		if err := printWatched(w, o.output, snap); err != nil {
			result = err
			break
		}
		if snap.Connection.State == transport.StateFailed.String() {
			result = fmt.Errorf("sync connection failed: %s", snap.Connection.Error)
			break
		}
		if jobID == "" {
			continue
		}
		if job, place := snap.Find(jobID); place != jobsync.PlacementNone && job.IsTerminal() {
			result = finished(w, o.output, job)
			break
		}
	}
	cancel()
	<-runErr
	return result
}

func printWatched(w io.Writer, format string, snap *jobsync.Snapshot) error {
	if format == outputTable {
		if err := printSnapshot(w, snap); err != nil {
			return err
		}
		_, err := fmt.Fprintln(w)
		return err
	}
	if format == outputYAML {
		if _, err := fmt.Fprintln(w, "---"); err != nil {
			return err
		}
	}
	view := snapshotView{
		Version:    snap.Version,
		Connection: snap.Connection,
		Active:     snap.Active,
		Queue:      snap.Queue,
		History:    snap.History,
	}
	return render(w, format, view, nil)
}

// finished reports a terminal build and turns a failure into an error.
func finished(w io.Writer, format string, job models.Job) error {
	if format == outputTable {
		fmt.Fprintf(w, "build %s %s\n", job.ID, job.Status)
	}
	if job.Status == models.StatusFailed {
		return fmt.Errorf("%w: %s", errBuildFailed, deref(job.Error))
	}
	return nil
}
