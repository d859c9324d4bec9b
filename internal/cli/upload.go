package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mark3labs/estatectl/internal/dispatch"
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <operation-id|path>",
		Short: "Upload files as multipart/form-data",
		Example: strings.TrimSpace(`  estatectl upload post_properties_property_id_photos -p property_id=42 -f file=front.jpg --progress
  estatectl upload /properties/42/documents -f file=plan.pdf -F kind=floorplan`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := parseCallFlags(cmd)
			if err != nil {
				return err
			}
			form, err := uploadForm(cmd)
			if err != nil {
				return err
			}
			showProgress, err := cmd.Flags().GetBool("progress")
			if err != nil {
				return err
			}
			target := strings.TrimSpace(args[0])
			return withSession(cmd, !isPathTarget(target), func(ctx context.Context, s *session) error {
				opts := cf.options()
				if showProgress {
					opts = append(opts, dispatch.WithProgress(progressPrinter(cmd.ErrOrStderr())))
				}
				resp, err := s.client.Upload(ctx, target, form, cf.Params, opts...)
				if err != nil {
					return err
				}
				return cf.writeResponse(cmd.OutOrStdout(), resp)
			})
		},
	}
	addCallFlags(cmd.Flags(), false)
	cmd.Flags().StringArrayP("file", "f", nil, "File part as field=path")
	cmd.Flags().StringArrayP("field", "F", nil, "Form field as name=value")
	cmd.Flags().Bool("progress", false, "Report upload progress on stderr")
	return cmd
}

func uploadForm(cmd *cobra.Command) (*dispatch.Multipart, error) {
	files, err := cmd.Flags().GetStringArray("file")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, newUsageError("upload: at least one --file field=path is required")
	}
	fields, err := cmd.Flags().GetStringArray("field")
	if err != nil {
		return nil, err
	}

	form := dispatch.NewMultipart()
	for _, f := range fields {
		name, value, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, newUsageError(fmt.Sprintf("invalid --field %q (want name=value)", f))
		}
		form.AddField(strings.TrimSpace(name), value)
	}
	for _, f := range files {
		field, path, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(field) == "" || strings.TrimSpace(path) == "" {
			return nil, newUsageError(fmt.Sprintf("invalid --file %q (want field=path)", f))
		}
		if err := form.AddFilePath(strings.TrimSpace(field), strings.TrimSpace(path)); err != nil {
			return nil, newUsageError(fmt.Sprintf("upload: %v", err))
		}
	}
	return form, nil
}

func isPathTarget(target string) bool {
	return strings.HasPrefix(target, "/") || strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}

// progressPrinter redraws one status line per reported percentage.
func progressPrinter(w io.Writer) dispatch.ProgressFunc {
	return func(percent int) {
		const width = 30
		filled := percent * width / 100
		fmt.Fprintf(w, "\r[%s%s] %3d%%", strings.Repeat("#", filled), strings.Repeat(" ", width-filled), percent)
		if percent == 100 {
			fmt.Fprintln(w)
		}
	}
}
