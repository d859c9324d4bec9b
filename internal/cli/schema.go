package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mark3labs/estatectl/internal/spec"
)

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect the service description",
	}

	info := &cobra.Command{
		Use:   "info",
		Short: "Show title, version, servers and counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, true, func(ctx context.Context, s *session) error {
				sch := s.client.Registry().Schema()
				servers := make([]string, 0, len(sch.Servers))
				for _, srv := range sch.Servers {
					servers = append(servers, srv.URL)
				}
				names := make([]string, 0, len(sch.Definitions))
				for n := range sch.Definitions {
					names = append(names, n)
				}
				sort.Strings(names)
				return writeYAML(cmd.OutOrStdout(), map[string]any{
					"title":       sch.Title,
					"version":     sch.Version,
					"servers":     servers,
					"operations":  len(sch.Operations),
					"tags":        s.client.Registry().Tags(),
					"definitions": names,
				})
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <definition>",
		Short: "Show a named schema definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, true, func(ctx context.Context, s *session) error {
				name := strings.TrimSpace(args[0])
				def, ok := s.client.Registry().Definition(name)
				if !ok {
					return newUsageError(fmt.Sprintf("schema: no definition named %q", name))
				}
				return writeYAML(cmd.OutOrStdout(), definitionView(&def))
			})
		},
	}

	cmd.AddCommand(info, show)
	return cmd
}

func definitionView(d *spec.Definition) map[string]any {
	out := map[string]any{}
	if d.Type != "" {
		out["type"] = d.Type
	}
	if d.Format != "" {
		out["format"] = d.Format
	}
	if d.Description != "" {
		out["description"] = d.Description
	}
	if len(d.Required) > 0 {
		out["required"] = d.Required
	}
	if len(d.Enum) > 0 {
		out["enum"] = d.Enum
	}
	if d.Example != nil {
		out["example"] = d.Example
	}
	if d.Items != nil {
		out["items"] = schemaOrRefView(d.Items)
	}
	if len(d.Properties) > 0 {
		props := make(map[string]any, len(d.Properties))
		for name, p := range d.Properties {
			props[name] = schemaOrRefView(p)
		}
		out["properties"] = props
	}
	for key, list := range map[string][]*spec.SchemaOrRef{"allOf": d.AllOf, "anyOf": d.AnyOf, "oneOf": d.OneOf} {
		if len(list) == 0 {
			continue
		}
		views := make([]any, 0, len(list))
		for _, s := range list {
			views = append(views, schemaOrRefView(s))
		}
		out[key] = views
	}
	return out
}

func schemaOrRefView(s *spec.SchemaOrRef) any {
	switch {
	case s == nil:
		return nil
	case s.Ref != nil:
		return map[string]any{"$ref": s.Ref.Ref}
	case s.Schema != nil:
		return definitionView(s.Schema)
	}
	return nil
}
