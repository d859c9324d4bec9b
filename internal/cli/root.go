package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd constructs the root command so tests can exercise the CLI easily.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "estatectl",
		Short:         "Call the estate API through its published service description",
		Long:          "estatectl discovers the estate API's operations from its OpenAPI/Swagger description and calls them with automatic credential refresh.",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Config file path (YAML or JSON)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging output")
	cmd.PersistentFlags().String("base-url", "", "API root URL (api.base_url)")
	cmd.PersistentFlags().String("spec", "", "Service description URL or file, - for stdin (api.spec_url)")
	cmd.PersistentFlags().String("token-backend", "", "Credential store: memory|file|redis|sql (tokens.backend)")

	for _, sub := range []*cobra.Command{
		newInitCmd(),
		newConfigCmd(),
		newOpsCmd(),
		newSchemaCmd(),
		newCallCmd(),
		newRequestCmd(),
		newUploadCmd(),
		newAuthCmd(),
	} {
		withUsageErrors(sub)
		cmd.AddCommand(sub)
	}
	withUsageErrors(cmd)

	return cmd
}

// withUsageErrors converts Cobra flag errors (like unknown flags) into
// friendly usage errors that also show the command's help text.
func withUsageErrors(cmd *cobra.Command) {
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return newUsageError(fmt.Sprintf("%v\n\n%s", err, c.UsageString()))
	})
	for _, sub := range cmd.Commands() {
		withUsageErrors(sub)
	}
}
