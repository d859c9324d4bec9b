package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mark3labs/estatectl/internal/dispatch"
)

// callFlags are the request inputs shared by call, request and upload.
type callFlags struct {
	Params  dispatch.Params
	Headers [][2]string
	Body    []byte
	Raw     bool
	Output  string
}

func addCallFlags(flags *pflag.FlagSet, withBody bool) {
	flags.StringArrayP("param", "p", nil, "Parameter as name=value; repeat a name for a list")
	flags.StringArrayP("header", "H", nil, "Extra header as 'Name: value'")
	if withBody {
		flags.StringP("data", "d", "", "Request body; @file reads a file, - reads stdin")
	}
	flags.Bool("raw", false, "Print the body as received instead of pretty JSON")
	flags.StringP("output", "o", "", "Write the body to this file instead of stdout")
}

func parseCallFlags(cmd *cobra.Command) (*callFlags, error) {
	flags := cmd.Flags()
	cf := &callFlags{}

	rawParams, err := flags.GetStringArray("param")
	if err != nil {
		return nil, err
	}
	if cf.Params, err = parseParams(rawParams); err != nil {
		return nil, err
	}

	rawHeaders, err := flags.GetStringArray("header")
	if err != nil {
		return nil, err
	}
	for _, h := range rawHeaders {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, newUsageError(fmt.Sprintf("invalid --header %q (want 'Name: value')", h))
		}
		cf.Headers = append(cf.Headers, [2]string{name, strings.TrimSpace(value)})
	}

	if flags.Lookup("data") != nil && flags.Changed("data") {
		data, err := flags.GetString("data")
		if err != nil {
			return nil, err
		}
		if cf.Body, err = readData(data, cmd.InOrStdin()); err != nil {
			return nil, err
		}
	}

	if cf.Raw, err = flags.GetBool("raw"); err != nil {
		return nil, err
	}
	if cf.Output, err = flags.GetString("output"); err != nil {
		return nil, err
	}
	return cf, nil
}

// parseParams turns name=value pairs into Params. Repeated names collect
// into a list, which the dispatcher sends as repeated query keys.
func parseParams(pairs []string) (dispatch.Params, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(dispatch.Params, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, newUsageError(fmt.Sprintf("invalid --param %q (want name=value)", pair))
		}
		switch prev := params[name].(type) {
		case nil:
			params[name] = value
		case string:
			params[name] = []string{prev, value}
		case []string:
			params[name] = append(prev, value)
		}
	}
	return params, nil
}

func readData(data string, stdin io.Reader) ([]byte, error) {
	switch {
	case data == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read body from stdin: %w", err)
		}
		return b, nil
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(data, "@"))
		if err != nil {
			return nil, newUsageError(fmt.Sprintf("read body file: %v", err))
		}
		return b, nil
	}
	return []byte(data), nil
}

func (cf *callFlags) options() []dispatch.CallOption {
	opts := make([]dispatch.CallOption, 0, len(cf.Headers))
	for _, h := range cf.Headers {
		opts = append(opts, dispatch.WithHeader(h[0], h[1]))
	}
	return opts
}

// body returns the request body for the dispatcher, nil when none was given.
func (cf *callFlags) body() any {
	if cf.Body == nil {
		return nil
	}
	return cf.Body
}

func (cf *callFlags) writeResponse(w io.Writer, resp *dispatch.Response) error {
	if cf.Output != "" {
		if err := os.WriteFile(cf.Output, resp.Body, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", cf.Output, err)
		}
		fmt.Fprintf(w, "Wrote %d bytes to %s (HTTP %d)\n", len(resp.Body), cf.Output, resp.Status)
		return nil
	}
	if len(resp.Body) == 0 {
		fmt.Fprintf(w, "HTTP %d\n", resp.Status)
		return nil
	}
	if !cf.Raw && json.Valid(resp.Body) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, resp.Body, "", "  "); err == nil {
			buf.WriteByte('\n')
			_, err = w.Write(buf.Bytes())
			return err
		}
	}
	_, err := w.Write(resp.Body)
	return err
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <operation-id>",
		Short: "Invoke a published operation by id",
		Example: strings.TrimSpace(`  estatectl call listProperties -p limit=10 -p status=listed
  estatectl call createProperty -d '{"title":"Loft","price":420000}'
  estatectl call getProperty -p property_id=42 -H 'X-Agency: north'`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := parseCallFlags(cmd)
			if err != nil {
				return err
			}
			return withSession(cmd, true, func(ctx context.Context, s *session) error {
				resp, err := s.client.Invoke(ctx, args[0], cf.Params, cf.body(), cf.options()...)
				if err != nil {
					return err
				}
				return cf.writeResponse(cmd.OutOrStdout(), resp)
			})
		},
	}
	addCallFlags(cmd.Flags(), true)
	return cmd
}

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request <METHOD> <path>",
		Short: "Send an ad-hoc request without consulting the service description",
		Example: strings.TrimSpace(`  estatectl request GET /properties/{id} -p id=42
  estatectl request POST /leads -d @lead.json`),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := parseCallFlags(cmd)
			if err != nil {
				return err
			}
			method := strings.ToUpper(strings.TrimSpace(args[0]))
			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				resp, err := s.client.Call(ctx, method, args[1], cf.Params, cf.body(), cf.options()...)
				if err != nil {
					return err
				}
				return cf.writeResponse(cmd.OutOrStdout(), resp)
			})
		},
	}
	addCallFlags(cmd.Flags(), true)
	return cmd
}
