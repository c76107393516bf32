package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var errEmptyConfig = errors.New("no configuration provided: use --file or --set")

func newSubmitCmd(o *rootOptions) *cobra.Command {
	var (
		file string
		sets []string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a new ISO build",
		Long: `Queue a new ISO build. The configuration is read from a JSON or YAML
file (- for stdin) and overridden by --set key=value pairs.`,
		Example: `  isoctl submit -f build.yaml
  isoctl submit --set profile=releng --set should_fail=true --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadBuildConfig(file, sets, cmd.InOrStdin())
			if err != nil {
				return err
			}
			resp, err := o.client.Submit(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("submit build: %w", err)
			}
			err = render(cmd.OutOrStdout(), o.output, resp, func(w io.Writer) error {
				p := newTablePrinter(w, "JOB", "STATUS", "POSITION")
				p.row(resp.JobID, resp.Status, strconv.FormatInt(resp.QueuePosition, 10))
				return p.flush()
			})
			if err != nil || !wait {
				return err
			}
			return watch(cmd.Context(), o, cmd.OutOrStdout(), resp.JobID)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "build configuration file (JSON or YAML)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "set a configuration key (key=value, value parsed as YAML)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "watch the build until it finishes")
	return cmd
}

// loadBuildConfig merges the file at path with the key=value overrides and
// returns the result as a JSON object.
func loadBuildConfig(path string, sets []string, stdin io.Reader) (json.RawMessage, error) {
	cfg := map[string]any{}
	if path != "" {
		var (
			data []byte
			err  error
		)
		if path == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", kv)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		cfg[key] = value
	}
	if len(cfg) == 0 {
		return nil, errEmptyConfig
	}
	out, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
