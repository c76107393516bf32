// Package cli implements isoctl, the command line client of the build API.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"iso-builder/internal/apiclient"
	"iso-builder/internal/config"
	"iso-builder/internal/logging"
)

type rootOptions struct {
	server  string
	output  string
	timeout time.Duration

	cfg    config.Config
	client *apiclient.Client
	log    zerolog.Logger
}

// NewRootCmd builds the isoctl command tree.
func NewRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "isoctl",
		Short:         "Submit and watch ISO builds",
		Long:          `isoctl submits ISO builds to the build API and follows their progress over the real-time sync endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if o.server == "" {
				o.server = cfg.Sync.Origin
			}
			if err := validateOutput(o.output); err != nil {
				return err
			}
			o.cfg = cfg
			o.client = apiclient.New(o.server, o.timeout)
			o.log = logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Log, "isoctl")
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&o.server, "server", "s", "", "build API base URL (default $ISOBUILDER_SYNC_ORIGIN)")
	flags.StringVarP(&o.output, "output", "o", outputTable, "output format: table, json or yaml")
	flags.DurationVar(&o.timeout, "timeout", 30*time.Second, "HTTP request timeout")

	cmd.AddCommand(
		newStatusCmd(o),
		newSubmitCmd(o),
		newBuildsCmd(o),
		newShowCmd(o),
		newLogCmd(o),
		newEventsCmd(o),
		newDownloadCmd(o),
		newWatchCmd(o),
	)
	return cmd
}

// Execute runs isoctl and exits non-zero on error.
func Execute() {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		os.Exit(1)
	}
}
