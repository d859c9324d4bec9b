package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mark3labs/estatectl/internal/spec"
)

func newOpsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Browse the operations the API publishes",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List operations grouped by tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tags, err := cmd.Flags().GetStringSlice("tag")
			if err != nil {
				return err
			}
			return withSession(cmd, true, func(ctx context.Context, s *session) error {
				reg := s.client.Registry()
				return printOperations(cmd.OutOrStdout(), reg.Tags(), reg.ByTag(), sanitizeTags(tags))
			})
		},
	}
	list.Flags().StringSlice("tag", nil, "Only list operations with these tags")

	show := &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Show one operation's method, path and parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, true, func(ctx context.Context, s *session) error {
				op, err := s.client.Operation(args[0])
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), operationView(op))
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func printOperations(w io.Writer, order []string, byTag map[string][]*spec.Operation, only []string) error {
	if len(only) > 0 {
		want := make(map[string]struct{}, len(only))
		for _, t := range only {
			want[t] = struct{}{}
		}
		filtered := order[:0:0]
		for _, t := range order {
			if _, ok := want[t]; ok {
				filtered = append(filtered, t)
			}
		}
		if len(filtered) == 0 {
			return newUsageError(fmt.Sprintf("ops: no operations tagged %s", strings.Join(only, ", ")))
		}
		order = filtered
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, tag := range order {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "[%s]\n", tag)
		for _, op := range byTag[tag] {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", op.ID, op.Method, op.Path, op.Summary)
		}
	}
	return tw.Flush()
}

type parameterView struct {
	Name     string `yaml:"name"`
	In       string `yaml:"in"`
	Required bool   `yaml:"required,omitempty"`
}

type opView struct {
	ID          string          `yaml:"id"`
	Method      string          `yaml:"method"`
	Path        string          `yaml:"path"`
	Summary     string          `yaml:"summary,omitempty"`
	Tags        []string        `yaml:"tags,omitempty"`
	Parameters  []parameterView `yaml:"parameters,omitempty"`
	RequestBody string          `yaml:"requestBody,omitempty"`
	BodyMime    string          `yaml:"requestBodyMime,omitempty"`
}

func operationView(op *spec.Operation) opView {
	v := opView{
		ID:          op.ID,
		Method:      op.Method,
		Path:        op.Path,
		Summary:     op.Summary,
		Tags:        op.Tags,
		RequestBody: op.RequestBodyRef,
		BodyMime:    op.RequestBodyMime,
	}
	for _, p := range op.Parameters {
		v.Parameters = append(v.Parameters, parameterView{Name: p.Name, In: p.In, Required: p.Required})
	}
	return v
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func sanitizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	sort.Strings(result)
	return result
}
