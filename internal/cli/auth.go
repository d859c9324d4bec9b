package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mark3labs/estatectl/internal/auth"
	"github.com/mark3labs/estatectl/internal/logging"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the stored session credentials",
	}

	login := &cobra.Command{
		Use:   "login",
		Short: "Store credentials issued by the login endpoint",
		Long: "Store an access/refresh token pair. Subsequent calls send the access token " +
			"and refresh it through api.refresh_path when the API rejects it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tokensFromFlags(cmd)
			if err != nil {
				return err
			}
			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				if err := s.client.Login(ctx, t); err != nil {
					return fmt.Errorf("store credentials: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", displayUser(t))
				return nil
			})
		},
	}
	login.Flags().String("access-token", "", "Access token (required)")
	login.Flags().String("refresh-token", "", "Refresh token used to renew the access token")
	login.Flags().String("user-id", "", "User id stored with the session")
	login.Flags().String("role", "", "Role stored with the session")
	login.Flags().Duration("expires-in", 0, "Access token lifetime, e.g. 15m")

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				if err := s.client.Logout(ctx); err != nil {
					return fmt.Errorf("clear credentials: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
				return nil
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				t := s.client.Session()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "backend\t%s\n", s.cfg.Tokens.Backend)
				if t.Empty() {
					fmt.Fprintf(tw, "session\tnone\n")
					return tw.Flush()
				}
				fmt.Fprintf(tw, "user\t%s\n", displayUser(t))
				fmt.Fprintf(tw, "access token\t%s\n", logging.Mask(t.AccessToken))
				fmt.Fprintf(tw, "refresh token\t%s\n", presence(t.RefreshToken))
				if !t.Expiry.IsZero() {
					state := "valid"
					if t.Expired(time.Now()) {
						state = "expired"
					}
					fmt.Fprintf(tw, "expires\t%s (%s)\n", t.Expiry.Local().Format(time.RFC3339), state)
				}
				fmt.Fprintf(tw, "phase\t%s\n", s.client.Phase())
				fmt.Fprintf(tw, "breaker\t%s\n", s.client.BreakerState())
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(login, logout, status)
	return cmd
}

func tokensFromFlags(cmd *cobra.Command) (auth.Tokens, error) {
	flags := cmd.Flags()
	var t auth.Tokens
	var err error
	if t.AccessToken, err = flags.GetString("access-token"); err != nil {
		return t, err
	}
	t.AccessToken = strings.TrimSpace(t.AccessToken)
	if t.AccessToken == "" {
		return t, newUsageError("auth login: --access-token is required")
	}
	if t.RefreshToken, err = flags.GetString("refresh-token"); err != nil {
		return t, err
	}
	if t.UserID, err = flags.GetString("user-id"); err != nil {
		return t, err
	}
	if t.Role, err = flags.GetString("role"); err != nil {
		return t, err
	}
	ttl, err := flags.GetDuration("expires-in")
	if err != nil {
		return t, err
	}
	if ttl < 0 {
		return t, newUsageError("auth login: --expires-in must not be negative")
	}
	if ttl > 0 {
		t.Expiry = time.Now().Add(ttl).UTC().Truncate(time.Second)
	}
	t.RefreshToken = strings.TrimSpace(t.RefreshToken)
	t.UserID = strings.TrimSpace(t.UserID)
	t.Role = strings.TrimSpace(t.Role)
	return t, nil
}

func displayUser(t auth.Tokens) string {
	user := t.UserID
	if user == "" {
		user = "(unknown user)"
	}
	if t.Role != "" {
		user += " [" + t.Role + "]"
	}
	return user
}

func presence(s string) string {
	if s == "" {
		return "absent"
	}
	return "present"
}
