package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mark3labs/estatectl/internal/logging"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	show := &cobra.Command{
		Use:   "show [section]",
		Short: "Print the merged configuration (defaults, file, environment, flags)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProvider(cmd)
			if err != nil {
				return err
			}
			settings := p.AllSettings()
			if len(args) == 1 {
				section := strings.TrimSpace(args[0])
				child := p.Child(section)
				if child == nil {
					return newUsageError(fmt.Sprintf("config: unknown section %q", section))
				}
				settings = child.AllSettings()
			}
			maskSecrets(settings)
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(settings)
		},
	}
	cmd.AddCommand(show)
	return cmd
}

var secretSettings = map[string]bool{"url": true, "dsn": true, "amqp_url": true}

// maskSecrets hides connection strings, which routinely embed passwords.
func maskSecrets(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			maskSecrets(val)
		case string:
			if secretSettings[k] && val != "" {
				m[k] = logging.Mask(val)
			}
		}
	}
}
