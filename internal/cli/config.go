package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/dronecam/internal/config"
)

func NewConfigCmd(deps *Dependencies, flags *globalFlags) *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.loadOptions())
			if err != nil {
				return &ExitError{Code: 1, Err: err}
			}

			if !asYAML {
				fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
				return nil
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print as YAML instead of a one-line summary")
	return cmd
}
