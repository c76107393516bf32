package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"iso-builder/internal/api"
	"iso-builder/internal/jobsync"
	"iso-builder/internal/models"
)

func newStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show API status and queue size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := o.client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			return render(cmd.OutOrStdout(), o.output, st, func(w io.Writer) error {
				p := newTablePrinter(w, "STATUS", "VERSION", "QUEUE", "BUILDING")
				p.row(st.Status, st.Version, strconv.FormatInt(st.QueueSize, 10), strconv.FormatBool(st.HasActiveBuild))
				return p.flush()
			})
		},
	}
}

func newBuildsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "builds",
		Aliases: []string{"list", "ls"},
		Short:   "List the active build, the queue and recent history",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			builds, err := o.client.Builds(cmd.Context())
			if err != nil {
				return fmt.Errorf("list builds: %w", err)
			}
			return render(cmd.OutOrStdout(), o.output, builds, func(w io.Writer) error {
				return printState(w, stateOf(builds))
			})
		},
	}
}

func newShowCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <build-id>",
		Short: "Show one build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := o.client.Build(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get build %s: %w", args[0], err)
			}
			return render(cmd.OutOrStdout(), o.output, job, func(w io.Writer) error {
				p := newTablePrinter(w)
				p.row("ID:", job.ID)
				p.row("Status:", string(job.Status))
				p.row("Progress:", strconv.Itoa(job.Progress)+"%")
				p.row("Created:", formatTime(job.CreatedAt))
				p.row("Started:", formatTime(job.StartedAt))
				p.row("Completed:", formatTime(job.CompletedAt))
				p.row("Config:", string(job.Config))
				if job.Error != nil {
					p.row("Error:", *job.Error)
				}
				if job.OutputPath != nil {
					p.row("Output:", *job.OutputPath)
				}
				return p.flush()
			})
		},
	}
}

func newLogCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "log <build-id>",
		Short: "Print the build log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lg, err := o.client.Log(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get log %s: %w", args[0], err)
			}
			return render(cmd.OutOrStdout(), o.output, lg, func(w io.Writer) error {
				for _, line := range lg.Log {
					if _, err := fmt.Fprintln(w, line); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newEventsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <build-id>",
		Short: "Print recorded lifecycle events of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := o.client.Events(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get events %s: %w", args[0], err)
			}
			return render(cmd.OutOrStdout(), o.output, events, func(w io.Writer) error {
				p := newTablePrinter(w, "RECORDED", "EVENT", "DETAIL")
				for _, e := range events {
					p.row(formatTime(&e.Recorded), e.Event, e.Detail)
				}
				return p.flush()
			})
		},
	}
}

func newDownloadCmd(o *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download <build-id>",
		Short: "Download the ISO of a completed build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmp, err := os.CreateTemp(dir, ".isoctl-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())

			name, err := o.client.Download(cmd.Context(), args[0], tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("download %s: %w", args[0], err)
			}
			dest := filepath.Join(dir, filepath.Base(name))
			if err := os.Rename(tmp.Name(), dest); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory to write the ISO into")
	return cmd
}

func stateOf(b api.BuildsResponse) jobsync.State {
	s := jobsync.State{Active: b.Active, Queue: b.Queue, History: b.History}
	if s.Queue == nil {
		s.Queue = []models.Job{}
	}
	if s.History == nil {
		s.History = []models.Job{}
	}
	return s
}
