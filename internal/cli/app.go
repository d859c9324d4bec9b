package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mark3labs/estatectl/internal/client"
	"github.com/mark3labs/estatectl/internal/config"
	"github.com/mark3labs/estatectl/internal/logging"
	"github.com/mark3labs/estatectl/internal/telemetry"
)

// flagKeys binds persistent flags to config keys. A flag only wins when it
// was set on the command line.
var flagKeys = map[string]string{
	"base-url":      "api.base_url",
	"spec":          "api.spec_url",
	"token-backend": "tokens.backend",
}

// session is what a command needs to talk to the API.
type session struct {
	cfg      *config.Config
	client   *client.Client
	logger   *slog.Logger
	shutdown func(context.Context) error
}

func (s *session) Close(ctx context.Context) error {
	return errors.Join(s.client.Close(ctx), s.shutdown(ctx))
}

func loadProvider(cmd *cobra.Command) (config.Provider, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	p, err := config.NewProvider(path)
	if err != nil {
		return nil, newUsageError(fmt.Sprintf("read config file %q: %v", path, err))
	}
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := p.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		p.Set("log.level", "debug")
	}
	return p, nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	p, err := loadProvider(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(p)
	if err != nil {
		return nil, newUsageError(err.Error())
	}
	return cfg, nil
}

// openSession builds the client. With initialize set the service
// description is loaded before returning.
func openSession(cmd *cobra.Command, initialize bool) (*session, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger := logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:     logging.ParseLevel(cfg.Log.Level),
		AddSource: cfg.Log.AddSource,
		JSON:      cfg.Log.JSON,
	})
	slog.SetDefault(logger)

	exporter, err := telemetry.Exporter(cfg.Telemetry.Exporter, cfg.Telemetry.Endpoint, cfg.Telemetry.UseHTTPS, cfg.Telemetry.Pretty)
	if err != nil {
		return nil, newUsageError(err.Error())
	}
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, version(), exporter)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	opts := []client.Option{client.WithLogger(logger)}
	if cfg.API.SpecURL == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("read service description from stdin: %w", err)
		}
		opts = append(opts, client.WithSpecData(data))
	}
	c, err := client.New(ctx, cfg, opts...)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	s := &session{cfg: cfg, client: c, logger: logger, shutdown: shutdown}
	if initialize {
		if err := c.Initialize(ctx); err != nil {
			_ = s.Close(ctx)
			return nil, describeSpecError(err)
		}
	}
	return s, nil
}

// withSession opens a session, runs fn and closes the session.
func withSession(cmd *cobra.Command, initialize bool, fn func(ctx context.Context, s *session) error) error {
	s, err := openSession(cmd, initialize)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runErr := fn(ctx, s)
	if err := s.Close(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("close session", slog.Any("err", err))
	}
	return runErr
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if ok {
		for _, v := range info.Settings {
			if v.Key == "vcs.revision" {
				return v.Value
			}
		}
		if v := strings.TrimSpace(info.Main.Version); v != "" {
			return v
		}
	}
	return "dev"
}
